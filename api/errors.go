// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared across the multiport library.

package api

import "errors"

var (
	// ErrInvalidWorkerCount indicates a worker pool was configured with
	// fewer than one worker. This is a fatal configuration error.
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")

	// ErrExecutorClosed indicates the worker pool has been shut down.
	ErrExecutorClosed = errors.New("executor is closed")

	// ErrInstanceStopped indicates the server instance has been stopped
	// and no longer registers ports.
	ErrInstanceStopped = errors.New("server instance is stopped")

	// ErrAffinityNotSupported indicates CPU affinity pinning is not
	// supported on this platform.
	ErrAffinityNotSupported = errors.New("CPU affinity not supported")
)
