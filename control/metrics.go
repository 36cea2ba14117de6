// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Runtime counters for system-level monitoring, kept in a thread-safe map
// with snapshot reads.

package control

import (
	"sync"
	"time"
)

// Counter keys maintained by the server packages.
const (
	MetricPortsOpened         = "ports_opened"
	MetricConnectionsAccepted = "connections_accepted"
	MetricAcceptRetries       = "accept_retries"
)

// MetricsRegistry holds named monotonic counters.
type MetricsRegistry struct {
	mu       sync.RWMutex
	counters map[string]int64
	updated  time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters: make(map[string]int64),
	}
}

// Inc adds one to the named counter.
func (mr *MetricsRegistry) Inc(key string) {
	mr.Add(key, 1)
}

// Add adds delta to the named counter, creating it if absent.
func (mr *MetricsRegistry) Add(key string, delta int64) {
	mr.mu.Lock()
	mr.counters[key] += delta
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// Get returns the current value of the named counter.
func (mr *MetricsRegistry) Get(key string) int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.counters[key]
}

// Snapshot returns a copy of all counters.
func (mr *MetricsRegistry) Snapshot() map[string]int64 {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]int64, len(mr.counters))
	for k, v := range mr.counters {
		out[k] = v
	}
	return out
}
