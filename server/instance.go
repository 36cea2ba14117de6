// File: server/instance.go
// Package server composes the worker pool, the dynamic port set, and the
// id generator into the externally usable server instance.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net"
	"sync"

	"github.com/momentics/multiport/api"
	"github.com/momentics/multiport/control"
	"github.com/momentics/multiport/internal/concurrency"
)

// Instance hosts any number of listening ports on one shared worker pool.
// Worker goroutines exist exactly while the instance is live: they start
// in New and are joined by Close.
type Instance struct {
	exec    *concurrency.Executor
	metrics *control.MetricsRegistry

	mu      sync.Mutex
	ports   []*Port
	stopped bool
}

// New creates an instance running workers pool goroutines. A worker count
// below one fails with api.ErrInvalidWorkerCount before anything is
// spawned.
func New(workers int, opts ...Option) (*Instance, error) {
	cfg := &config{metrics: control.NewMetricsRegistry()}
	for _, o := range opts {
		o(cfg)
	}
	exec, err := concurrency.NewExecutor(workers, cfg.execOpts...)
	if err != nil {
		return nil, err
	}
	return &Instance{
		exec:    exec,
		metrics: cfg.metrics,
	}, nil
}

// MakePort binds addr, registers a port running h, and starts accepting.
// On bind or listen failure nothing is registered and the instance is
// unchanged; such errors are never fatal to the instance. The returned
// port exposes the bound address, which matters when addr requested an
// ephemeral port.
func (s *Instance) MakePort(addr string, h api.Handler) (*Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, api.ErrInstanceStopped
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	p := newPort(ln, h, s.exec, s.metrics)
	s.ports = append(s.ports, p)
	s.metrics.Inc(control.MetricPortsOpened)
	p.start()
	return p, nil
}

// Stop closes every registered port's acceptor and drops the references.
// It returns without waiting for in-flight connections, which are
// independently owned and run to their natural completion. Idempotent.
func (s *Instance) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ports := s.ports
	s.ports = nil
	s.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}
}

// Close stops the instance if Stop has not run yet, then joins every
// worker, blocking the caller until the pool has fully drained.
// Idempotent.
func (s *Instance) Close() {
	s.Stop()
	s.exec.Close()
}

// Submit exposes the shared pool to handlers; Instance satisfies
// api.Dispatcher so handler packages can bind their own strands to it.
func (s *Instance) Submit(task func()) error {
	return s.exec.Submit(task)
}

// NumWorkers returns the size of the worker pool.
func (s *Instance) NumWorkers() int {
	return s.exec.NumWorkers()
}

// Metrics returns the instance's counter registry.
func (s *Instance) Metrics() *control.MetricsRegistry {
	return s.metrics
}
