package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/i18n"
	"github.com/haasonsaas/relay/internal/modules"
	"github.com/haasonsaas/relay/internal/security"
	"github.com/haasonsaas/relay/internal/session"
	"github.com/haasonsaas/relay/internal/storage"
)

type outbound struct {
	chatID string
	text   string
}

// fakeSession records sends and edits and feeds events to Run.
type fakeSession struct {
	mu     sync.Mutex
	events chan session.Event
	sent   []outbound
	edits  []outbound
	owner  string
	self   session.UserInfo
	limit  int
	admins map[string]bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		events: make(chan session.Event, 16),
		owner:  "owner-1",
		self:   session.UserInfo{ID: "self-1", Username: "relaybot", DisplayName: "Relay"},
		limit:  4000,
		admins: map[string]bool{},
	}
}

func (f *fakeSession) ID() string { return "fake" }

func (f *fakeSession) Kind() string { return "memory" }

func (f *fakeSession) Self() session.UserInfo { return f.self }

func (f *fakeSession) Owner() string { return f.owner }

func (f *fakeSession) Events() <-chan session.Event { return f.events }

func (f *fakeSession) TextLimit() int { return f.limit }

func (f *fakeSession) Close(context.Context) error {
	close(f.events)
	return nil
}

func (f *fakeSession) Send(_ context.Context, chatID, text string) (session.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, outbound{chatID, text})
	return session.MessageRef{ChatID: chatID, MessageID: "sent"}, nil
}

func (f *fakeSession) Edit(_ context.Context, ref session.MessageRef, text string) (session.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, outbound{ref.ChatID, text})
	return ref, nil
}

func (f *fakeSession) Delete(context.Context, ...session.MessageRef) error { return nil }

func (f *fakeSession) IsChatAdmin(_ context.Context, chatID, userID string) (bool, error) {
	return f.admins[chatID+"/"+userID], nil
}

func (f *fakeSession) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

func (f *fakeSession) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.edits))
	for i, e := range f.edits {
		out[i] = e.text
	}
	return out
}

type harness struct {
	sess  *fakeSession
	disp  *Dispatcher
	reg   *modules.Registry
	store *storage.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.New(storage.NewMemoryBackend(), storage.StoreConfig{
		FlushDelay:  time.Hour,
		RetryPolicy: backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1},
	}, nil, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store.Init: %v", err)
	}

	bundle, err := i18n.LoadEmbedded()
	if err != nil {
		t.Fatalf("i18n.LoadEmbedded: %v", err)
	}
	tr, err := i18n.NewTranslator(bundle, "en")
	if err != nil {
		t.Fatalf("i18n.NewTranslator: %v", err)
	}

	sess := newFakeSession()
	reg := modules.NewRegistry(nil)
	disp := New(sess, Deps{
		Registry: reg,
		Security: security.NewEngine(store, sess.IsChatAdmin, nil),
		Store:    store,
		T:        tr,
		Peers:    session.NewPool(),
		Metrics:  nil,
		Tracer:   nil,
		Defaults: Defaults{CommandPrefix: ".", RedispatchEdits: true},
	})
	return &harness{sess: sess, disp: disp, reg: reg, store: store}
}

// installCounter registers a module with one command and returns the
// invocation counter.
func (h *harness) installCounter(t *testing.T, name string, level security.Level, mutate ...func(*modules.Command)) *int {
	t.Helper()
	count := new(int)
	cmd := modules.Command{
		Name:  name,
		Level: level,
		Handler: func(_ context.Context, inv *modules.Invocation) error {
			*count++
			return nil
		},
	}
	for _, fn := range mutate {
		fn(&cmd)
	}
	mod := &modules.Module{Name: name + "-mod", Commands: []modules.Command{cmd}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	return count
}

func message(text string) session.Event {
	return session.Event{
		Kind:    session.EventMessage,
		Session: "fake",
		Chat:    session.ChatInfo{ID: "chat-1"},
		Sender:  session.UserInfo{ID: "user-9"},
		Message: session.MessageRef{ChatID: "chat-1", MessageID: "m1"},
		Text:    text,
		Time:    time.Now(),
	}
}

func ownMessage(text string) session.Event {
	ev := message(text)
	ev.Sender = session.UserInfo{ID: "self-1", Username: "relaybot"}
	ev.Outgoing = true
	return ev
}

func TestPrefixedPublicCommandDispatchesOnce(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message(".ping"))
	if *count != 1 {
		t.Fatalf("handler ran %d times, want 1", *count)
	}
}

func TestUnprefixedTextDoesNotDispatch(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message("ping"))
	h.disp.Dispatch(context.Background(), message("a .ping in the middle"))
	h.disp.Dispatch(context.Background(), message(". ping"))
	if *count != 0 {
		t.Fatalf("handler ran %d times, want 0", *count)
	}
	if len(h.sess.sentTexts()) != 0 {
		t.Error("non-commands produced replies")
	}
}

func TestCaseMismatchRequiresOptIn(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message(".Ping"))
	if *count != 0 {
		t.Fatal("case mismatch dispatched without opt-in")
	}

	if err := h.store.Set("dispatcher", "case_insensitive", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.disp.Dispatch(context.Background(), message(".Ping"))
	if *count != 1 {
		t.Fatalf("folded dispatch ran %d times, want 1", *count)
	}
}

func TestAliasDispatch(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic, func(c *modules.Command) {
		c.Aliases = []string{"p"}
	})

	h.disp.Dispatch(context.Background(), message(".p"))
	if *count != 1 {
		t.Fatalf("alias ran %d times, want 1", *count)
	}
}

func TestUnknownCommandIsSilent(t *testing.T) {
	h := newHarness(t)
	h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message(".frobnicate now"))
	if got := h.sess.sentTexts(); len(got) != 0 {
		t.Errorf("unknown command replied: %v", got)
	}
}

func TestOwnerOnlyCommand(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "restart", security.LevelOwnerOnly)

	// Arbitrary chat member: zero invocations, silent by default.
	h.disp.Dispatch(context.Background(), message(".restart"))
	if *count != 0 {
		t.Fatal("non-owner invoked an owner_only handler")
	}
	if len(h.sess.sentTexts()) != 0 {
		t.Error("denial was not silent")
	}

	// Configured owner id passes even on an incoming message.
	fromOwner := message(".restart")
	fromOwner.Sender.ID = "owner-1"
	h.disp.Dispatch(context.Background(), fromOwner)
	if *count != 1 {
		t.Fatalf("owner invocation count = %d, want 1", *count)
	}

	// The session's own outgoing message counts as the owner too.
	h.disp.Dispatch(context.Background(), ownMessage(".restart"))
	if *count != 2 {
		t.Fatalf("outgoing invocation count = %d, want 2", *count)
	}
}

func TestDeniedNoticeWhenConfigured(t *testing.T) {
	h := newHarness(t)
	h.installCounter(t, "restart", security.LevelOwnerOnly)

	if err := h.store.Set("dispatcher", "notify_denied", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.disp.Dispatch(context.Background(), message(".restart"))

	sent := h.sess.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("got %d notices, want 1: %v", len(sent), sent)
	}
	if !strings.Contains(sent[0], "not permitted") {
		t.Errorf("notice = %q", sent[0])
	}
}

func TestForwardedMessagesNeverDispatch(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	ev := message(".ping")
	ev.Forwarded = true
	h.disp.Dispatch(context.Background(), ev)
	if *count != 0 {
		t.Fatal("forwarded message dispatched a command")
	}
}

func TestChatActionsRunWatchersOnly(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	watched := 0
	watcher := &modules.Module{Name: "spy", Watchers: []modules.Watcher{{
		Name: "all",
		Handle: func(context.Context, *modules.Invocation) error {
			watched++
			return nil
		},
	}}}
	if err := h.reg.Install(context.Background(), watcher, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ev := message(".ping")
	ev.Kind = session.EventChatAction
	ev.Action = "user_joined"
	h.disp.Dispatch(context.Background(), ev)

	if watched != 1 {
		t.Errorf("watcher ran %d times, want 1", watched)
	}
	if *count != 0 {
		t.Error("chat action dispatched a command")
	}
}

func TestWatcherFailuresAreIsolated(t *testing.T) {
	h := newHarness(t)

	var order []string
	addWatcher := func(mod, name string, fail bool) {
		m := &modules.Module{Name: mod, Watchers: []modules.Watcher{{
			Name: name,
			Handle: func(context.Context, *modules.Invocation) error {
				order = append(order, name)
				if fail {
					panic("watcher bug")
				}
				return nil
			},
		}}}
		if err := h.reg.Install(context.Background(), m, modules.InstallOptions{}); err != nil {
			t.Fatalf("Install: %v", err)
		}
	}
	addWatcher("w1", "first", false)
	addWatcher("w2", "second", true)
	addWatcher("w3", "third", false)

	h.disp.Dispatch(context.Background(), message("hello"))
	if strings.Join(order, ",") != "first,second,third" {
		t.Fatalf("watcher order = %v", order)
	}

	// The loop is still alive for the next event.
	order = order[:0]
	h.disp.Dispatch(context.Background(), message("again"))
	if len(order) != 3 {
		t.Errorf("second pass ran %d watchers", len(order))
	}
}

func TestHandlerErrorProducesGenericNotice(t *testing.T) {
	h := newHarness(t)
	mod := &modules.Module{Name: "broken", Commands: []modules.Command{{
		Name:  "boom",
		Level: security.LevelPublic,
		Handler: func(context.Context, *modules.Invocation) error {
			return errors.New("secret database password leaked")
		},
	}}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	h.disp.Dispatch(context.Background(), message(".boom"))

	sent := h.sess.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("got %d replies, want 1 notice", len(sent))
	}
	if strings.Contains(sent[0], "password") {
		t.Errorf("notice leaked the error: %q", sent[0])
	}
	if !strings.Contains(sent[0], "went wrong") {
		t.Errorf("notice = %q, want the generic text", sent[0])
	}
}

func TestHandlerPanicDoesNotKillDispatcher(t *testing.T) {
	h := newHarness(t)
	mod := &modules.Module{Name: "crashy", Commands: []modules.Command{{
		Name:  "crash",
		Level: security.LevelPublic,
		Handler: func(context.Context, *modules.Invocation) error {
			panic("nil map write")
		},
	}}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	count := h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message(".crash"))
	h.disp.Dispatch(context.Background(), message(".ping"))
	if *count != 1 {
		t.Fatal("dispatcher did not survive the panic")
	}
}

func TestEditedMessageRedispatch(t *testing.T) {
	t.Run("on by default", func(t *testing.T) {
		h := newHarness(t)
		count := h.installCounter(t, "ping", security.LevelPublic)
		ev := message(".ping")
		ev.Kind = session.EventEdited
		h.disp.Dispatch(context.Background(), ev)
		if *count != 1 {
			t.Fatalf("edit dispatched %d times, want 1", *count)
		}
	})

	t.Run("disabled via store", func(t *testing.T) {
		h := newHarness(t)
		count := h.installCounter(t, "ping", security.LevelPublic)
		if err := h.store.Set("dispatcher", "redispatch_edits", false); err != nil {
			t.Fatalf("Set: %v", err)
		}
		ev := message(".ping")
		ev.Kind = session.EventEdited
		h.disp.Dispatch(context.Background(), ev)
		if *count != 0 {
			t.Fatal("edit dispatched despite the option being off")
		}
	})

	t.Run("per-command opt-out", func(t *testing.T) {
		h := newHarness(t)
		count := h.installCounter(t, "pay", security.LevelPublic, func(c *modules.Command) {
			c.IgnoreEdits = true
		})
		ev := message(".pay 100")
		ev.Kind = session.EventEdited
		h.disp.Dispatch(context.Background(), ev)
		if *count != 0 {
			t.Fatal("IgnoreEdits command re-dispatched on edit")
		}
	})

	t.Run("watchers never rerun on edits", func(t *testing.T) {
		h := newHarness(t)
		watched := 0
		m := &modules.Module{Name: "spy", Watchers: []modules.Watcher{{
			Name: "all",
			Handle: func(context.Context, *modules.Invocation) error {
				watched++
				return nil
			},
		}}}
		if err := h.reg.Install(context.Background(), m, modules.InstallOptions{}); err != nil {
			t.Fatalf("Install: %v", err)
		}
		ev := message("hello")
		ev.Kind = session.EventEdited
		h.disp.Dispatch(context.Background(), ev)
		if watched != 0 {
			t.Fatal("watcher ran on an edit")
		}
	})
}

func TestPrefixChangeViaStore(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	if err := h.store.Set("dispatcher", "command_prefix", "!"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.disp.Dispatch(context.Background(), message(".ping"))
	if *count != 0 {
		t.Fatal("old prefix still live")
	}
	h.disp.Dispatch(context.Background(), message("!ping"))
	if *count != 1 {
		t.Fatalf("new prefix dispatched %d times, want 1", *count)
	}
}

func TestNicknameMode(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)
	if err := h.store.Set("dispatcher", "nickname_mode", true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, text := range []string{"@relaybot ping", "relaybot ping", "Relay, ping"} {
		h.disp.Dispatch(context.Background(), message(text))
	}
	if *count != 3 {
		t.Fatalf("nickname forms dispatched %d times, want 3", *count)
	}

	// The symbolic prefix is replaced, not supplemented.
	h.disp.Dispatch(context.Background(), message(".ping"))
	if *count != 3 {
		t.Fatal("symbolic prefix still live in nickname mode")
	}

	// A handle with no command after it is not a command.
	h.disp.Dispatch(context.Background(), message("relaybot"))
	if *count != 3 {
		t.Fatal("bare handle dispatched")
	}
}

func TestOwnCommandReplyEditsInPlace(t *testing.T) {
	h := newHarness(t)
	mod := &modules.Module{Name: "core", Commands: []modules.Command{{
		Name:  "ping",
		Level: security.LevelPublic,
		Handler: func(ctx context.Context, inv *modules.Invocation) error {
			return inv.Reply(ctx, "pong")
		},
	}}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	h.disp.Dispatch(context.Background(), ownMessage(".ping"))

	if edits := h.sess.editTexts(); len(edits) != 1 || edits[0] != "pong" {
		t.Errorf("edits = %v, want the reply to replace the command", edits)
	}
	if sent := h.sess.sentTexts(); len(sent) != 0 {
		t.Errorf("own command replied with a send: %v", sent)
	}

	// Someone else's command gets a plain send.
	h.disp.Dispatch(context.Background(), message(".ping"))
	if sent := h.sess.sentTexts(); len(sent) != 1 || sent[0] != "pong" {
		t.Errorf("sends = %v", sent)
	}
}

func TestLongReplySplits(t *testing.T) {
	h := newHarness(t)
	h.sess.limit = 10
	long := strings.Repeat("x", 25)
	mod := &modules.Module{Name: "core", Commands: []modules.Command{{
		Name:  "dump",
		Level: security.LevelPublic,
		Handler: func(ctx context.Context, inv *modules.Invocation) error {
			return inv.Reply(ctx, long)
		},
	}}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	h.disp.Dispatch(context.Background(), ownMessage(".dump"))

	edits, sent := h.sess.editTexts(), h.sess.sentTexts()
	if len(edits) != 1 {
		t.Fatalf("edits = %v", edits)
	}
	if len(sent) != 2 {
		t.Fatalf("continuation sends = %v", sent)
	}
	if got := edits[0] + sent[0] + sent[1]; got != long {
		t.Errorf("reassembled reply = %q", got)
	}
}

func TestUnloadTakesEffectNextDispatch(t *testing.T) {
	h := newHarness(t)
	count := h.installCounter(t, "ping", security.LevelPublic)

	h.disp.Dispatch(context.Background(), message(".ping"))
	if err := h.reg.Unload("ping-mod"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	h.disp.Dispatch(context.Background(), message(".ping"))
	if *count != 1 {
		t.Fatalf("unloaded handler ran, count = %d", *count)
	}
}

func TestRunIsFIFOPerSession(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	mod := &modules.Module{Name: "seq", Commands: []modules.Command{
		{
			Name:  "slow",
			Level: security.LevelPublic,
			Handler: func(context.Context, *modules.Invocation) error {
				record("slow-start")
				<-release
				record("slow-end")
				return nil
			},
		},
		{
			Name:  "fast",
			Level: security.LevelPublic,
			Handler: func(context.Context, *modules.Invocation) error {
				record("fast")
				return nil
			},
		},
	}}
	if err := h.reg.Install(context.Background(), mod, modules.InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	h.sess.events <- message(".slow")
	h.sess.events <- message(".fast")

	// The second command must not start while the first is blocked.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	premature := len(order) > 1
	mu.Unlock()
	if premature {
		t.Fatal("second handler started before the first finished")
	}

	close(release)
	h.sess.Close(context.Background())
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	mu.Lock()
	got := strings.Join(order, ",")
	mu.Unlock()
	if got != "slow-start,slow-end,fast" {
		t.Fatalf("order = %s", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.disp.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		in   string
		name string
		args string
	}{
		{"ping", "ping", ""},
		{"echo hello world", "echo", "hello world"},
		{"echo  padded", "echo", "padded"},
		{"note line one\nline two", "note", "line one\nline two"},
		{" leading", "", "leading"},
		{"", "", ""},
	}
	for _, tc := range cases {
		name, args := splitCommand(tc.in)
		if name != tc.name || args != tc.args {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tc.in, name, args, tc.name, tc.args)
		}
	}
}
