package domain

import "errors"

var (
	// ErrIllegalTransition marks a transition attempted from a state that
	// does not permit it. Client misuse, never retried.
	ErrIllegalTransition = errors.New("domain: illegal status transition")

	// ErrUnauthorizedTransition marks a mutation attempted by a party that
	// is not allowed to perform it.
	ErrUnauthorizedTransition = errors.New("domain: actor not authorized for transition")

	// ErrDeletionNotPermitted marks a delete-for-everyone outside the
	// allowed window or by a non-sender.
	ErrDeletionNotPermitted = errors.New("domain: deletion not permitted")

	// ErrInvalidMessage marks a message that fails construction-time
	// validation.
	ErrInvalidMessage = errors.New("domain: invalid message")
)
