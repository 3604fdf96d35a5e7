package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTaskTerminal is returned when a write is attempted against a record
	// that already reached a terminal state.
	ErrTaskTerminal = errors.New("task already terminal")

	// ErrTimeout marks tasks abandoned after the poll ceiling or wait timeout,
	// as opposed to a provider-reported failure.
	ErrTimeout = errors.New("generation timed out")

	// ErrCancelled is surfaced to a waiting caller whose task was cancelled.
	// The record itself carries status cancelled, not an error message.
	ErrCancelled = errors.New("task cancelled")
)
