package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/modules"
)

func TestAnnounceHere(t *testing.T) {
	h := newHarness(t)
	got := h.invoke(t, "announcehere", "")
	if got != "Announcements for this session will land in this chat." {
		t.Errorf("reply = %q", got)
	}
	if chat := h.store.GetString("broadcast", "chat", ""); chat != "chat-1" {
		t.Errorf("stored announce chat = %q", chat)
	}
}

func TestAnnounceFansOut(t *testing.T) {
	h := newHarness(t)
	s2, store2 := h.addSession(t, "s2")

	if err := h.store.Set("broadcast", "chat", "ops-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store2.Set("broadcast", "chat", "general"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := h.invoke(t, "announce", "maintenance at noon")
	if got != "Announced on 2 of 2 sessions." {
		t.Errorf("report = %q", got)
	}

	sent := h.sess.allSent()
	if len(sent) != 2 || sent[0] != (sentMsg{"ops-1", "maintenance at noon"}) {
		t.Errorf("origin session sends = %v", sent)
	}
	if peer := s2.allSent(); len(peer) != 1 || peer[0] != (sentMsg{"general", "maintenance at noon"}) {
		t.Errorf("peer session sends = %v", peer)
	}
}

func TestAnnounceReportsUnreachedSessions(t *testing.T) {
	h := newHarness(t)
	s2, _ := h.addSession(t, "s2") // no announce chat configured

	if err := h.store.Set("broadcast", "chat", "ops-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got := h.invoke(t, "announce", "hello")
	if !strings.Contains(got, "Announced on 1 of 2 sessions.") {
		t.Errorf("report = %q", got)
	}
	if !strings.Contains(got, "failed: s2") {
		t.Errorf("report does not name the unreached session: %q", got)
	}
	if len(s2.allSent()) != 0 {
		t.Error("unconfigured session received the announcement")
	}
}

func TestAnnounceBanner(t *testing.T) {
	h := newHarness(t)
	if err := h.store.Set("broadcast", "chat", "ops-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Reinstall with configured options to exercise Configure.
	err := h.reg.Install(context.Background(), broadcastModule(h.deps), modules.InstallOptions{
		Values: map[string]map[string]any{
			"broadcast": {"banner": "[ops]", "report_failures": false},
		},
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	h.invoke(t, "announce", "hi")
	sent := h.sess.allSent()
	if len(sent) < 1 || sent[0].text != "[ops]\nhi" {
		t.Errorf("announced text = %v", sent)
	}
}

func TestAnnounceRejectsBadOptionValue(t *testing.T) {
	h := newHarness(t)
	err := h.reg.Install(context.Background(), broadcastModule(h.deps), modules.InstallOptions{
		Values: map[string]map[string]any{
			"broadcast": {"banner": 7},
		},
	})
	if err == nil {
		t.Fatal("numeric banner passed the schema")
	}
}

func TestAnnounceUsage(t *testing.T) {
	h := newHarness(t)
	if got := h.invoke(t, "announce", "  "); !strings.HasPrefix(got, "Usage:") {
		t.Errorf("reply = %q", got)
	}
}

func TestSessionsListing(t *testing.T) {
	h := newHarness(t)
	h.addSession(t, "s2")

	got := h.invoke(t, "sessions", "")
	if !strings.HasPrefix(got, "Active sessions:") {
		t.Errorf("reply = %q", got)
	}
	for _, want := range []string{"s1 (memory) relay_s1", "s2 (memory) relay_s2"} {
		if !strings.Contains(got, want) {
			t.Errorf("listing %q is missing %q", got, want)
		}
	}
}
