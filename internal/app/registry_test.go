package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rpicam/camserver/internal/core"
)

// fakeSession implements core.Session. Close completes teardown inline
// unless hang is set.
type fakeSession struct {
	id   core.SessionID
	hang bool

	mu     sync.Mutex
	reason string
	once   sync.Once
	done   chan struct{}
}

func newFakeSession(id core.SessionID) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (s *fakeSession) ID() core.SessionID { return s.id }

func (s *fakeSession) Close(reason string) {
	s.mu.Lock()
	s.reason = reason
	s.mu.Unlock()
	if s.hang {
		return
	}
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) closeReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	sess := newFakeSession("a")
	if err := r.Register(sess, func() {}); err != nil {
		t.Fatal(err)
	}

	got, ok := r.Get("a")
	if !ok || got.ID() != "a" {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newFakeSession("a"), func() {}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(newFakeSession("a"), func() {})
	if !errors.Is(err, core.ErrDuplicateSession) {
		t.Fatalf("duplicate Register error = %v, want ErrDuplicateSession", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryUnregisterCancelsContext(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Register(newFakeSession("a"), cancel); err != nil {
		t.Fatal(err)
	}

	r.Unregister("a")
	select {
	case <-ctx.Done():
	default:
		t.Error("session context not cancelled on unregister")
	}
	if _, ok := r.Get("a"); ok {
		t.Error("session still present after unregister")
	}

	// Unknown ids are a no-op.
	r.Unregister("a")
	r.Unregister("never-registered")
}

func TestRegistryCloseAllWaitsForTeardown(t *testing.T) {
	r := NewRegistry()
	sessions := []*fakeSession{newFakeSession("a"), newFakeSession("b"), newFakeSession("c")}
	for _, s := range sessions {
		if err := r.Register(s, func() {}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.CloseAll(ctx, "shutting down")

	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %s not done after CloseAll", s.ID())
		}
		if got := s.closeReason(); got != "shutting down" {
			t.Errorf("session %s close reason = %q", s.ID(), got)
		}
	}
}

func TestRegistryCloseAllForcesOutStuckSessions(t *testing.T) {
	r := NewRegistry()
	stuck := newFakeSession("stuck")
	stuck.hang = true
	if err := r.Register(stuck, func() {}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.CloseAll(ctx, "shutting down")

	if r.Len() != 0 {
		t.Errorf("Len after CloseAll = %d, want 0", r.Len())
	}
}
