// File: api/dispatcher.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Dispatcher schedules tasks onto a shared worker pool. Any queued task
// may run on any worker.
type Dispatcher interface {
	// Submit enqueues task for execution. Returns ErrExecutorClosed after
	// the pool has been shut down.
	Submit(task func()) error
}
