package download

import "errors"

var (
	// ErrInvalidArgument rejects malformed or inconsistent request fields
	// before any side effect takes place.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a request id is not tracked by the slot
	// it was addressed to.
	ErrNotFound = errors.New("request not found")

	// ErrAlreadyActive is returned when a start or resume command targets a
	// request that is already queued or running.
	ErrAlreadyActive = errors.New("request already active")

	// ErrNotActive is returned when a pause or cancel command targets a
	// request that already reached a terminal state.
	ErrNotActive = errors.New("request not active")

	// ErrTooManyClients is returned when the slot table has no free slot
	// for a new client identity.
	ErrTooManyClients = errors.New("too many clients")
)
