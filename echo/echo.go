// File: echo/echo.go
// Package echo provides the demonstration handler: a WebSocket server
// that echoes every message back to its sender.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each accepted socket becomes a connection object driving its own
// handshake → read → echo-write cycle on a private strand. Every step is
// a pending operation run by its own goroutine; that goroutine's closure
// holds the only strong handle to the connection, so the object stays
// alive exactly while work is in flight and is reclaimed as soon as the
// loop stops. The connection keeps no reference back to the port that
// created it.

package echo

import (
	"errors"
	"net"
	"os"

	"github.com/momentics/multiport/api"
	"github.com/momentics/multiport/control"
	"github.com/momentics/multiport/internal/concurrency"
	"github.com/momentics/multiport/protocol"
)

// defaultReadLimit bounds inbound messages unless WithReadLimit changes
// it, so an unconfigured server never accepts arbitrarily large frames.
const defaultReadLimit = 16 << 20

// Handler implements api.Handler for echo ports. One Handler may serve
// any number of ports; it is stateless apart from its configuration.
type Handler struct {
	dispatcher api.Dispatcher
	sink       api.DiagnosticSink
	cfg        protocol.StreamConfig
	hooks      []func(*protocol.Stream)
}

// Option customizes handler initialization.
type Option func(*Handler)

// WithDiagnostics routes failure reports to sink instead of stderr.
func WithDiagnostics(sink api.DiagnosticSink) Option {
	return func(h *Handler) {
		h.sink = sink
	}
}

// WithReadLimit bounds the size of inbound messages in bytes. The
// default is 16 MiB; zero removes the bound entirely.
func WithReadLimit(n int64) Option {
	return func(h *Handler) {
		h.cfg.ReadLimit = n
	}
}

// WithAutoFragment enables outbound fragmentation at the given size.
// Disabled by default: echoes mirror the sender's framing in one frame.
func WithAutoFragment(size int) Option {
	return func(h *Handler) {
		h.cfg.AutoFragment = true
		h.cfg.FragmentSize = size
	}
}

// WithResponseHeader adds a header to every 101 handshake response.
func WithResponseHeader(key, value string) Option {
	return func(h *Handler) {
		if h.cfg.Header == nil {
			h.cfg.Header = make(map[string]string)
		}
		h.cfg.Header[key] = value
	}
}

// WithStreamOption registers a hook applied to every new stream once its
// handshake completes, before the first read.
func WithStreamOption(hook func(*protocol.Stream)) Option {
	return func(h *Handler) {
		h.hooks = append(h.hooks, hook)
	}
}

// NewHandler builds an echo handler scheduling its connections on d.
func NewHandler(d api.Dispatcher, opts ...Option) *Handler {
	h := &Handler{
		dispatcher: d,
		sink:       control.NewLogSink(os.Stderr),
	}
	h.cfg.ReadLimit = defaultReadLimit
	for _, o := range opts {
		o(h)
	}
	return h
}

// OnAccept implements api.Handler. It hands the socket to a new
// connection object and returns immediately; the connection schedules
// itself.
func (h *Handler) OnAccept(id uint64, sock net.Conn, remote net.Addr) {
	c := &conn{
		handler: h,
		id:      id,
		remote:  remote,
		sock:    sock,
		strand:  concurrency.NewStrand(h.dispatcher),
	}
	c.run()
}

// conn is one live echo session. Completion callbacks run on the strand,
// one at a time; the blocking half of each step runs in the pending
// operation's own goroutine.
type conn struct {
	handler *Handler
	id      uint64
	remote  net.Addr
	sock    net.Conn
	strand  *concurrency.Strand
	ws      *protocol.Stream
}

// run starts the handshake step.
func (c *conn) run() {
	go func() {
		ws, err := protocol.Upgrade(c.sock, &c.handler.cfg)
		c.strand.Post(func() { c.onHandshake(ws, err) })
	}()
}

func (c *conn) onHandshake(ws *protocol.Stream, err error) {
	if err != nil {
		c.fail("handshake", err)
		c.sock.Close()
		return
	}
	c.ws = ws
	for _, hook := range c.handler.hooks {
		hook(ws)
	}
	c.read()
}

// read issues the next pending read.
func (c *conn) read() {
	go func() {
		mt, payload, err := c.ws.ReadMessage()
		c.strand.Post(func() { c.onRead(mt, payload, err) })
	}()
}

func (c *conn) onRead(mt protocol.MessageType, payload []byte, err error) {
	if errors.Is(err, protocol.ErrStreamClosed) {
		// Clean closure: terminal, silent.
		c.ws.Close()
		return
	}
	if err != nil {
		c.fail("read", err)
		c.ws.Close()
		return
	}
	c.write(mt, payload)
}

// write echoes the message back with the framing type it arrived with.
func (c *conn) write(mt protocol.MessageType, payload []byte) {
	go func() {
		err := c.ws.WriteMessage(mt, payload)
		c.strand.Post(func() { c.onWrite(err) })
	}()
}

func (c *conn) onWrite(err error) {
	if err != nil {
		c.fail("write", err)
		c.ws.Close()
		return
	}
	c.read()
}

// fail reports the first terminal condition; the loop stops right after,
// so each connection reports at most once.
func (c *conn) fail(op string, err error) {
	c.handler.sink.ReportFailure(c.id, c.remote, op, err)
}
