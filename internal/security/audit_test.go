package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAuditFilesCleanPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := t.TempDir()
	cfg := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(cfg, []byte("store: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	data := filepath.Join(dir, "data")
	if err := os.Mkdir(data, 0o700); err != nil {
		t.Fatal(err)
	}

	if findings := AuditFiles(cfg, data); len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
}

func TestAuditFilesFlagsLooseConfig(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := t.TempDir()
	cfg := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(cfg, []byte("store: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Umask may have stripped bits; force the mode we are testing.
	if err := os.Chmod(cfg, 0o644); err != nil {
		t.Fatal(err)
	}

	findings := AuditFiles(cfg, "")
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	if findings[0].Check != "fs.config_mode" {
		t.Errorf("check = %q, want fs.config_mode", findings[0].Check)
	}
	if findings[0].Severity != SeverityWarn {
		t.Errorf("severity = %q, want warn", findings[0].Severity)
	}
}

func TestAuditFilesFlagsWorldWritableDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	if err := os.Mkdir(data, 0o777); err != nil {
		t.Fatal(err)
	}
	// Umask may have stripped bits; force the mode we are testing.
	if err := os.Chmod(data, 0o777); err != nil {
		t.Fatal(err)
	}

	findings := AuditFiles("", data)
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	if findings[0].Severity != SeverityCritical {
		t.Errorf("severity = %q, want critical", findings[0].Severity)
	}
}

func TestAuditFilesFlagsSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation needs privileges on windows")
	}
	dir := t.TempDir()
	real := filepath.Join(dir, "real.yaml")
	if err := os.WriteFile(real, []byte("store: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "relay.yaml")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	findings := AuditFiles(link, "")
	if len(findings) != 1 {
		t.Fatalf("expected one finding, got %+v", findings)
	}
	if findings[0].Check != "fs.config_symlink" {
		t.Errorf("check = %q, want fs.config_symlink", findings[0].Check)
	}
}

func TestAuditFilesMissingPaths(t *testing.T) {
	if findings := AuditFiles(filepath.Join(t.TempDir(), "absent.yaml"), ""); findings != nil {
		t.Errorf("missing paths should yield no findings, got %+v", findings)
	}
}
