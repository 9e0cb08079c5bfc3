package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// stubSession implements just enough of Session for pool tests.
type stubSession struct {
	id     string
	events chan Event
}

func newStubSession(id string) *stubSession {
	return &stubSession{id: id, events: make(chan Event)}
}

func (s *stubSession) ID() string { return s.id }

func (s *stubSession) Kind() string { return "memory" }

func (s *stubSession) Self() UserInfo { return UserInfo{ID: "self-" + s.id} }

func (s *stubSession) Owner() string { return "owner-" + s.id }

func (s *stubSession) Events() <-chan Event { return s.events }

func (s *stubSession) TextLimit() int { return 4000 }

func (s *stubSession) Close(context.Context) error {
	close(s.events)
	return nil
}

func (s *stubSession) Send(context.Context, string, string) (MessageRef, error) {
	return MessageRef{}, nil
}

func (s *stubSession) Edit(context.Context, MessageRef, string) (MessageRef, error) {
	return MessageRef{}, nil
}

func (s *stubSession) Delete(context.Context, ...MessageRef) error { return nil }

func (s *stubSession) IsChatAdmin(context.Context, string, string) (bool, error) {
	return false, nil
}

func TestPoolAddRemove(t *testing.T) {
	p := NewPool()

	if err := p.Add(newStubSession("a")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Add(newStubSession("a")); err == nil {
		t.Error("expected duplicate id rejection")
	}
	if err := p.Add(nil); err == nil {
		t.Error("expected nil session rejection")
	}

	if _, ok := p.Get("a"); !ok {
		t.Error("Get failed for attached session")
	}
	if p.Len() != 1 {
		t.Errorf("Len = %d, want 1", p.Len())
	}

	if _, ok := p.Remove("a"); !ok {
		t.Error("Remove failed")
	}
	if _, ok := p.Remove("a"); ok {
		t.Error("second Remove should report absence")
	}
	if p.Len() != 0 {
		t.Errorf("Len = %d, want 0", p.Len())
	}
}

func TestPoolListPreservesAttachOrder(t *testing.T) {
	p := NewPool()
	for _, id := range []string{"charlie", "alpha", "bravo"} {
		if err := p.Add(newStubSession(id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	var got []string
	for _, s := range p.List() {
		got = append(got, s.ID())
	}
	want := []string{"charlie", "alpha", "bravo"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List order = %v, want %v", got, want)
		}
	}
}

func TestForEachCollectsPerSessionResults(t *testing.T) {
	p := NewPool()
	for _, id := range []string{"a", "b", "c"} {
		if err := p.Add(newStubSession(id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	boom := errors.New("session b is down")
	results := p.ForEach(context.Background(), func(_ context.Context, s Session) error {
		if s.ID() == "b" {
			return boom
		}
		return nil
	})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"a", "b", "c"} {
		if results[i].SessionID != want {
			t.Errorf("result %d session = %s, want %s", i, results[i].SessionID, want)
		}
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Error("healthy sessions reported errors")
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("result for b = %v, want the failure", results[1].Err)
	}
}

func TestForEachIsolatesPanics(t *testing.T) {
	p := NewPool()
	for _, id := range []string{"a", "b"} {
		if err := p.Add(newStubSession(id)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	calls := make(chan string, 2)
	results := p.ForEach(context.Background(), func(_ context.Context, s Session) error {
		calls <- s.ID()
		if s.ID() == "a" {
			panic("handler bug")
		}
		return nil
	})
	close(calls)

	if len(calls) != 2 {
		t.Errorf("fn ran %d times, want 2", len(calls))
	}
	if results[0].Err == nil {
		t.Error("panicking session reported no error")
	}
	if results[1].Err != nil {
		t.Errorf("sibling session affected: %v", results[1].Err)
	}
}

func TestForEachEmptyPool(t *testing.T) {
	p := NewPool()
	results := p.ForEach(context.Background(), func(context.Context, Session) error {
		return fmt.Errorf("must not run")
	})
	if len(results) != 0 {
		t.Errorf("got %d results from empty pool", len(results))
	}
}
