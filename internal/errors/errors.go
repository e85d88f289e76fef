package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrProtocol - malformed or out-of-order wire traffic (connection-level, non-fatal to the match)
	ErrProtocol = errors.New("protocol violation")

	// ErrUnknownPlayer - login with an id that is not in the roster
	ErrUnknownPlayer = errors.New("unknown player")

	// ErrAlreadyLoggedIn - second login for an id that already holds a session
	ErrAlreadyLoggedIn = errors.New("already logged in")

	// ErrMatchOver - the match terminated; turn-gated calls unblock with this
	ErrMatchOver = errors.New("match over")

	// ErrNotPaused - resume requested on a sandbox that is not paused
	ErrNotPaused = errors.New("sandbox not paused")

	// ErrLaunch - player process or container could not start (fatal to the match)
	ErrLaunch = errors.New("sandbox launch failed")

	// ErrSuspendUnavailable - suspend channel handshake or command failed (degraded, non-fatal)
	ErrSuspendUnavailable = errors.New("suspend channel unavailable")

	// ErrIntegrity - a sandbox presented a token that belongs to another player
	ErrIntegrity = errors.New("integrity violation")

	// ErrUnsupported - operation has no implementation on this platform
	ErrUnsupported = errors.New("unsupported on this platform")

	// ErrInvalidInput - invalid caller-supplied input
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
