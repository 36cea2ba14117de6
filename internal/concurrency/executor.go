// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor is the runtime worker pool: a fixed set of workers all draining
// one shared task queue, the Go rendition of N threads running a single
// cooperative event loop. Workers block on the queue while idle and never
// exit until Close releases them, so the pool stays alive even with no
// queued work.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/multiport/api"
)

// Executor runs submitted tasks on a fixed pool of workers. Any task may
// run on any worker; callers needing serialization layer a Strand on top.
// The queue is unbounded: a backlog grows in memory instead of blocking
// submitters, which keeps strand drains from stalling each other under
// load.
type Executor struct {
	workers int

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool

	wg sync.WaitGroup
}

// ExecutorOption customizes executor initialization.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	pinWorkers bool
}

// WithWorkerPinning pins each worker's OS thread to a CPU on platforms
// that support it. Unsupported platforms silently skip the pin.
func WithWorkerPinning() ExecutorOption {
	return func(cfg *executorConfig) {
		cfg.pinWorkers = true
	}
}

// NewExecutor creates an executor with numWorkers workers. A count below
// one is a fatal configuration error: nothing is spawned and
// api.ErrInvalidWorkerCount is returned.
func NewExecutor(numWorkers int, opts ...ExecutorOption) (*Executor, error) {
	if numWorkers < 1 {
		return nil, api.ErrInvalidWorkerCount
	}
	cfg := &executorConfig{}
	for _, o := range opts {
		o(cfg)
	}
	e := &Executor{
		workers: numWorkers,
		tasks:   queue.New(),
	}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < numWorkers; i++ {
		e.wg.Add(1)
		go e.run(i, cfg.pinWorkers)
	}
	return e, nil
}

// Submit enqueues a task without ever blocking the caller. Returns
// api.ErrExecutorClosed once Close has begun; a nil return guarantees the
// task will run.
func (e *Executor) Submit(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return api.ErrExecutorClosed
	}
	e.tasks.Add(task)
	e.mu.Unlock()
	e.cond.Signal()
	return nil
}

// NumWorkers returns the configured worker count.
func (e *Executor) NumWorkers() int {
	return e.workers
}

// Close shuts the pool down: no further Submit succeeds, every task already
// queued is drained, and all workers are joined before Close returns.
// Calling Close more than once has no further effect.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cond.Broadcast()
	e.wg.Wait()
}

func (e *Executor) run(id int, pin bool) {
	defer e.wg.Done()
	if pin {
		// Best effort: a worker that cannot be pinned still runs.
		pinCurrentThread(id)
	}
	for {
		e.mu.Lock()
		for e.tasks.Length() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.tasks.Length() == 0 {
			// Closed and drained.
			e.mu.Unlock()
			return
		}
		task := e.tasks.Remove().(func())
		e.mu.Unlock()
		e.safeExecute(task)
	}
}

func (e *Executor) safeExecute(task func()) {
	defer func() { recover() }()
	task()
}
