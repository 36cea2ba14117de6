// File: server/options.go
// Package server defines functional options for instance initialization.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/multiport/control"
	"github.com/momentics/multiport/internal/concurrency"
)

// Option customizes instance initialization.
type Option func(*config)

type config struct {
	metrics  *control.MetricsRegistry
	execOpts []concurrency.ExecutorOption
}

// WithMetricsRegistry substitutes a caller-owned counter registry, useful
// when several instances should share one.
func WithMetricsRegistry(m *control.MetricsRegistry) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithWorkerPinning pins worker OS threads to CPUs on platforms that
// support it.
func WithWorkerPinning() Option {
	return func(cfg *config) {
		cfg.execOpts = append(cfg.execOpts, concurrency.WithWorkerPinning())
	}
}
