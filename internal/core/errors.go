package core

import "errors"

// Pipeline-level errors. During process startup these are fatal: no camera,
// no service. In steady state they fail the pipeline and close every
// attached session, but never crash the process by themselves.
var (
	ErrDeviceUnavailable  = errors.New("camera device unavailable")
	ErrEncoderUnavailable = errors.New("requested encoder unavailable")
	ErrConfigInvalid      = errors.New("invalid capture configuration")
)

// Session-level errors. Always recovered by closing just the one session.
var (
	ErrProtocolViolation  = errors.New("signaling protocol violation")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrICEFailure         = errors.New("ice connection failed")
)

// ErrDuplicateSession signals an identifier collision in the registry.
// Identifiers are UUIDs, so this is an invariant violation, not a routine
// error; callers log it loudly and drop the connection.
var ErrDuplicateSession = errors.New("duplicate session id")
