package workroom

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("workroom: no store configured")
	ErrStoreClosed = errors.New("workroom: store closed")
	ErrQueueClosed = errors.New("workroom: queue closed")

	// Not found errors.
	ErrJobNotFound        = errors.New("workroom: job not found")
	ErrConnectionNotFound = errors.New("workroom: connection not found")
	ErrResultNotFound     = errors.New("workroom: result not found")

	// Connection policy errors.
	ErrDuplicateIdentity = errors.New("workroom: duplicate identity")

	// Bus errors.
	ErrBusUnavailable = errors.New("workroom: broadcast bus unavailable")

	// State errors.
	ErrInvalidTransition = errors.New("workroom: invalid state transition")
	ErrJobCancelled      = errors.New("workroom: job cancelled")
	ErrLeaseExpired      = errors.New("workroom: delivery lease expired or superseded")

	// Admission errors.
	ErrThrottled = errors.New("workroom: rate limit exceeded")
)
