package wqueue

import "errors"

var (
	// ErrAlreadyQueued is returned when submitting work that is still linked into a queue.
	ErrAlreadyQueued = errors.New("wqueue: work already queued")

	// ErrNotFound is returned when cancelling work that is not linked into the queue.
	ErrNotFound = errors.New("wqueue: work not queued")

	// ErrInvalidHandle is returned for a nil work item or callback.
	ErrInvalidHandle = errors.New("wqueue: invalid work handle")

	// ErrNoQueue is returned for a queue ID the dispatcher does not own.
	ErrNoQueue = errors.New("wqueue: no such queue")

	// ErrStarted is returned by Start on a running dispatcher.
	ErrStarted = errors.New("wqueue: already started")

	// ErrPanicked wraps a panic recovered from a work callback.
	ErrPanicked = errors.New("wqueue: work panicked")
)
