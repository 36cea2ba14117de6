// File: server/port.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Port owns one listening socket, one handler, and a private strand. The
// accept loop keeps at most one accept outstanding: the pending accept is
// a goroutine blocked in Accept whose completion is posted back to the
// strand, where the handler dispatch and the re-arm happen. All port state
// below is touched only from the strand.

package server

import (
	"errors"
	"net"

	"github.com/momentics/multiport/api"
	"github.com/momentics/multiport/control"
	"github.com/momentics/multiport/ident"
	"github.com/momentics/multiport/internal/concurrency"
)

// Port is one listening endpoint paired with its handler.
type Port struct {
	ln      net.Listener
	handler api.Handler
	strand  *concurrency.Strand
	metrics *control.MetricsRegistry

	// Strand-confined state.
	closed  bool
	pending bool
}

func newPort(ln net.Listener, h api.Handler, d api.Dispatcher, m *control.MetricsRegistry) *Port {
	return &Port{
		ln:      ln,
		handler: h,
		strand:  concurrency.NewStrand(d),
		metrics: m,
	}
}

// Addr returns the bound listening address.
func (p *Port) Addr() net.Addr {
	return p.ln.Addr()
}

// start issues the first accept from the port's strand.
func (p *Port) start() {
	p.strand.Post(p.arm)
}

// arm issues the next accept. Runs on the strand.
func (p *Port) arm() {
	if p.closed || p.pending {
		return
	}
	p.pending = true
	go func() {
		conn, err := p.ln.Accept()
		p.strand.Post(func() { p.onAccept(conn, err) })
	}()
}

// onAccept handles one accept completion. Runs on the strand.
func (p *Port) onAccept(conn net.Conn, err error) {
	p.pending = false
	if p.closed {
		// The socket may have been accepted just before Close took
		// effect; it is not delivered to the handler.
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			// Operation aborted by a concurrent Close: the expected
			// shutdown path, not an error.
			return
		}
		// Any other per-attempt failure is transient; the listening
		// socket stays open and the loop re-arms.
		p.metrics.Inc(control.MetricAcceptRetries)
		p.arm()
		return
	}

	id := ident.Next()
	p.metrics.Inc(control.MetricConnectionsAccepted)
	p.handler.OnAccept(id, conn, conn.RemoteAddr())
	p.arm()
}

// Close shuts the acceptor down. It may be called from any goroutine: the
// actual close hands off to the strand first, so it never races an
// in-flight completion. One final aborted completion may still surface on
// the strand after Close returns. Idempotent.
func (p *Port) Close() {
	p.strand.Post(func() {
		if p.closed {
			return
		}
		p.closed = true
		p.ln.Close()
	})
}
