// File: api/diagnostics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// DiagnosticSink receives one report per terminal connection failure.
// A clean protocol-level closure is not a failure and is never reported.
type DiagnosticSink interface {
	// ReportFailure records the first terminal condition observed on a
	// connection: its id, remote endpoint, the operation that failed
	// (for example "handshake", "read", "write") and the error.
	ReportFailure(id uint64, remote net.Addr, op string, err error)
}
