package model

import "errors"

var (
	// ErrInvalidEvent is returned for malformed events. They are discarded and counted.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidSettings is returned when a settings save is rejected
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrStoreUnavailable is returned when a persistence collaborator fails
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned for lookups of unknown ids
	ErrNotFound = errors.New("not found")
	// ErrInvalidAddress is returned when a command is given something that is not an IP address
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidTransition is returned for a status change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrVersionConflict is returned when an update names a version that is no longer current
	ErrVersionConflict = errors.New("version conflict")
	// ErrShuttingDown is returned by ingestion once shutdown has been signaled
	ErrShuttingDown = errors.New("ingestion is shutting down")
)

// ValidationError represents a field level validation failure
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
