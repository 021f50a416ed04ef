package dispatch

import "errors"

var (
	// ErrStopped is the terminal error of tasks that were still pending
	// (or submitted) when the queue shut down.
	ErrStopped = errors.New("dispatch: queue stopped")

	// ErrNilTask is returned for admissions without a callable.
	ErrNilTask = errors.New("dispatch: nil task func")
)
