package errors

import (
	"errors"
	"fmt"
)

// Wrap adds context to an error without changing its category.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Protocol wraps a message as a protocol violation.
func Protocol(message string) error {
	return fmt.Errorf("%s: %w", message, ErrProtocol)
}

// Launch wraps a message as a sandbox launch failure.
func Launch(message string) error {
	return fmt.Errorf("%s: %w", message, ErrLaunch)
}

// SuspendUnavailable wraps a message as a degraded suspend-channel condition.
func SuspendUnavailable(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSuspendUnavailable)
}

// Integrity wraps a message as an integrity violation.
func Integrity(message string) error {
	return fmt.Errorf("%s: %w", message, ErrIntegrity)
}

// InvalidInput wraps a message as invalid input.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Forfeitable reports whether an error converts to a player forfeit
// rather than aborting the match. Wire violations and disconnects are
// the player's fault; everything else is the orchestrator's problem.
func Forfeitable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrProtocol)
}

// Degraded reports whether an error leaves the match running with
// reduced capability instead of failing it.
func Degraded(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSuspendUnavailable) || errors.Is(err, ErrUnsupported)
}
