package security

import (
	"fmt"
	"os"
)

// Severity ranks an audit finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Finding is one problem a file audit turned up.
type Finding struct {
	// Check is a stable identifier such as "fs.config_mode".
	Check       string
	Severity    Severity
	Detail      string
	Remediation string
}

// AuditFiles inspects the config file and data directory for permission
// problems. The config carries bot tokens and the data dir holds the
// sqlite store, so neither should be readable or writable by other
// users. Paths that do not exist yield no findings.
func AuditFiles(configPath, dataDir string) []Finding {
	var findings []Finding
	findings = append(findings, auditPath(configPath, "config file", "fs.config", false)...)
	findings = append(findings, auditPath(dataDir, "data directory", "fs.data_dir", true)...)
	return findings
}

func auditPath(path, label, check string, isDir bool) []Finding {
	if path == "" {
		return nil
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}

	var findings []Finding
	if info.Mode()&os.ModeSymlink != 0 {
		findings = append(findings, Finding{
			Check:       check + "_symlink",
			Severity:    SeverityWarn,
			Detail:      fmt.Sprintf("%s %s is a symlink", label, path),
			Remediation: "point the configuration at the real path",
		})
		info, err = os.Stat(path)
		if err != nil {
			return findings
		}
	}

	mode := info.Mode().Perm()
	switch {
	case mode&0o002 != 0:
		findings = append(findings, Finding{
			Check:       check + "_mode",
			Severity:    SeverityCritical,
			Detail:      fmt.Sprintf("%s %s is world-writable (%04o)", label, path, mode),
			Remediation: remediation(path, isDir),
		})
	case mode&0o044 != 0:
		findings = append(findings, Finding{
			Check:       check + "_mode",
			Severity:    SeverityWarn,
			Detail:      fmt.Sprintf("%s %s is readable by other users (%04o)", label, path, mode),
			Remediation: remediation(path, isDir),
		})
	}
	return findings
}

func remediation(path string, isDir bool) string {
	if isDir {
		return fmt.Sprintf("chmod 700 %s", path)
	}
	return fmt.Sprintf("chmod 600 %s", path)
}
