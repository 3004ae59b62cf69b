package worker

import "errors"

// Pool errors
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull is returned by TrySubmit when the key's queue has no room.
	ErrQueueFull    = errors.New("worker queue full")
	ErrNilProcessor = errors.New("nil processor")
	ErrStopTimeout  = errors.New("workers did not stop before the timeout")
)
