// Package core contains the shared identifiers and narrow interfaces the
// rest of the server is wired through. No transport or media logic here.
package core

// SessionID identifies one viewer's signaling+media relationship.
type SessionID string

// SignalConn abstracts the ordered, reliable, bidirectional signaling
// transport of one client. Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	// TrySend enqueues an outbound frame without blocking. Returns an error
	// when the connection is closed or its send queue is full.
	TrySend([]byte) error
	Close()
}

// Session is what the registry stores and the orchestrator tears down.
// Close is asynchronous: it delivers a shutdown event into the session's
// inbox and returns; the session unregisters itself when teardown finishes.
type Session interface {
	ID() SessionID
	Close(reason string)
	// Done is closed once the session has fully torn down.
	Done() <-chan struct{}
}
