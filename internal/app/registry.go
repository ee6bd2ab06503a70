// Package app wires the process-wide pieces together: the session registry,
// the media sender and the orchestrator that binds sessions to the one
// capture pipeline.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/core"
)

type sessionEntry struct {
	Session core.Session
	Cancel  context.CancelFunc
}

// Registry is the process-wide table of live sessions. Inserts and removals
// go through one mutex; reads for diagnostics take a snapshot copy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

// Register inserts a session. ErrDuplicateSession means the uuid generator
// collided or a session failed to unregister: an invariant violation, not a
// routine error.
func (r *Registry) Register(sess core.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID()]; ok {
		return core.ErrDuplicateSession
	}
	r.sessions[sess.ID()] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID())).
		Int("sessions", len(r.sessions)).Msg("registered session")
	return nil
}

// Unregister removes the entry and cancels the session's context. Safe to
// call for an unknown id.
func (r *Registry) Unregister(sid core.SessionID) {
	r.mu.Lock()
	entry, ok := r.sessions[sid]
	if ok {
		delete(r.sessions, sid)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}
	if entry.Cancel != nil {
		entry.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).
		Int("sessions", n).Msg("unregistered session")
}

func (r *Registry) Get(sid core.SessionID) (core.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions at a point in time, for diagnostics
// and shutdown; the returned slice is the caller's to keep.
func (r *Registry) Snapshot() []core.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	return out
}

// CloseAll asks every session to tear down and waits for them, bounded by
// ctx. Sessions unregister themselves as part of teardown.
func (r *Registry) CloseAll(ctx context.Context, reason string) {
	sessions := r.Snapshot()
	for _, sess := range sessions {
		sess.Close(reason)
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			log.Warn().Str("module", "app.registry").Str("sid", string(sess.ID())).
				Msg("timed out waiting for session teardown")
			r.Unregister(sess.ID())
		}
	}
}
