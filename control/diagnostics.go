// File: control/diagnostics.go
// Package control provides the diagnostic sink and runtime counters.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"io"
	"log"
	"net"
)

// LogSink writes one line per reported failure in the form
//
//	[#<id> <remote>] <op>: <error>
//
// Write errors on the underlying stream are ignored; reporting is best
// effort.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink logging to w.
func NewLogSink(w io.Writer) *LogSink {
	return &LogSink{logger: log.New(w, "", 0)}
}

// ReportFailure implements api.DiagnosticSink.
func (s *LogSink) ReportFailure(id uint64, remote net.Addr, op string, err error) {
	s.logger.Printf("[#%d %s] %s: %v", id, remote, op, err)
}

// NopSink discards every report.
type NopSink struct{}

// ReportFailure implements api.DiagnosticSink.
func (NopSink) ReportFailure(uint64, net.Addr, string, error) {}
