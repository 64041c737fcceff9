package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. The api package
// maps them onto HTTP status codes.

var (
	// Lookup errors
	ErrNotFound = errors.New("not found")

	// Validation errors
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoArms          = errors.New("no arms available for selection")
	ErrUnknownPolicy   = errors.New("unknown policy")

	// Lifecycle errors
	ErrConflict        = errors.New("conflict")
	ErrExperimentEnded = errors.New("experiment has ended")

	// Infrastructure errors
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("operation timed out")
)
