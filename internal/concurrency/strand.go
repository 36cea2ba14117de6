// File: internal/concurrency/strand.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Strand is a single-consumer task queue bound to one object. Tasks posted
// against a strand run strictly in post order and never concurrently, on
// whichever pool worker picks up the drain batch. Ports and connections
// each own a private strand, which is the only thing that keeps their
// callbacks race-free on a shared pool.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/multiport/api"
)

// Strand serializes callbacks for a single owner object.
type Strand struct {
	dispatcher api.Dispatcher

	mu     sync.Mutex
	tasks  *queue.Queue
	active bool
}

// NewStrand binds a new strand to the given dispatcher.
func NewStrand(d api.Dispatcher) *Strand {
	return &Strand{
		dispatcher: d,
		tasks:      queue.New(),
	}
}

// Post enqueues task and returns without waiting for it to run. If no
// drain batch is in flight one is scheduled on the pool. Tasks from one
// strand run in FIFO order, one at a time.
//
// Once the pool has closed, the batch runs inline on the posting
// goroutine instead, so objects with operations still in flight run to
// their natural completion after shutdown. The single-drainer invariant
// holds either way.
func (s *Strand) Post(task func()) {
	s.mu.Lock()
	s.tasks.Add(task)
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	if err := s.dispatcher.Submit(s.drain); err != nil {
		s.drain()
	}
}

// drain runs queued tasks until the queue is observed empty. Exactly one
// drain runs at a time per strand.
func (s *Strand) drain() {
	for {
		s.mu.Lock()
		if s.tasks.Length() == 0 {
			s.active = false
			s.mu.Unlock()
			return
		}
		task := s.tasks.Remove().(func())
		s.mu.Unlock()
		task()
	}
}
