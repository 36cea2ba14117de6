// File: protocol/stream_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The server side under test is this package; the client side is the
// gorilla/websocket dialer where a conforming peer is wanted, and raw
// hand-built frames where the test needs precise wire control.

package protocol_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/momentics/multiport/protocol"
)

type upgradeResult struct {
	ws  *protocol.Stream
	err error
}

// serveOne listens on an ephemeral loopback port and upgrades the first
// accepted connection with cfg.
func serveOne(t *testing.T, cfg *protocol.StreamConfig) (addr string, res <-chan upgradeResult) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan upgradeResult, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- upgradeResult{err: err}
			return
		}
		ws, err := protocol.Upgrade(conn, cfg)
		if err != nil {
			conn.Close()
		}
		ch <- upgradeResult{ws: ws, err: err}
	}()
	return ln.Addr().String(), ch
}

func dialClient(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func upgraded(t *testing.T, res <-chan upgradeResult) *protocol.Stream {
	t.Helper()
	select {
	case r := <-res:
		if r.err != nil {
			t.Fatalf("Upgrade: %v", r.err)
		}
		return r.ws
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
		return nil
	}
}

// clientFrame builds one masked client-to-server frame.
func clientFrame(fin bool, opcode byte, payload []byte) []byte {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	var buf bytes.Buffer
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	buf.WriteByte(b0)
	if len(payload) > 125 {
		panic("test frames are short")
	}
	buf.WriteByte(byte(len(payload)) | 0x80)
	buf.Write(key[:])
	for i, b := range payload {
		buf.WriteByte(b ^ key[i%4])
	}
	return buf.Bytes()
}

// claimedLengthHeader builds a masked frame header announcing a 64-bit
// extended payload length, with no payload bytes behind it.
func claimedLengthHeader(fin bool, opcode byte, length uint64) []byte {
	key := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	var buf bytes.Buffer
	buf.WriteByte(b0)
	buf.WriteByte(127 | 0x80)
	var ext [8]byte
	binary.BigEndian.PutUint64(ext[:], length)
	buf.Write(ext[:])
	buf.Write(key[:])
	return buf.Bytes()
}

// rawHandshake dials addr and performs a minimal upgrade by hand,
// returning the open socket past the 101 response.
func rawHandshake(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	req := "GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	br := bufio.NewReader(conn)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read handshake response: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}
	if br.Buffered() != 0 {
		t.Fatal("unexpected bytes after handshake response")
	}
	return conn
}

// TestUpgradeComputesRFCAcceptKey runs the handshake with the RFC 6455
// sample key and checks the computed accept value and status line.
func TestUpgradeComputesRFCAcceptKey(t *testing.T) {
	addr, res := serveOne(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET /chat HTTP/1.1\r\n" +
		"Host: server.example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		t.Fatalf("status = %q, want 101", status)
	}
	var accept string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(line, "Sec-WebSocket-Accept:") {
			accept = strings.TrimSpace(strings.TrimPrefix(line, "Sec-WebSocket-Accept:"))
		}
	}
	if accept != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("accept key = %q, want RFC sample value", accept)
	}
	upgraded(t, res)
}

// TestUpgradeRejectsNonWebSocketRequest verifies a plain HTTP request
// fails the handshake.
func TestUpgradeRejectsNonWebSocketRequest(t *testing.T) {
	addr, res := serveOne(t, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case r := <-res:
		if !errors.Is(r.err, protocol.ErrBadHandshake) {
			t.Errorf("Upgrade error = %v, want ErrBadHandshake", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Upgrade did not return")
	}
}

// TestEchoTextAndBinaryRoundTrip verifies message payload and type tag
// survive a read/write cycle against a conforming client.
func TestEchoTextAndBinaryRoundTrip(t *testing.T) {
	addr, res := serveOne(t, nil)
	client := dialClient(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	go func() {
		for i := 0; i < 2; i++ {
			mt, p, err := ws.ReadMessage()
			if err != nil {
				return
			}
			ws.WriteMessage(mt, p)
		}
	}()

	if err := client.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	mt, p, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if mt != websocket.TextMessage || string(p) != "hello" {
		t.Errorf("echo = (%d, %q), want (text, hello)", mt, p)
	}

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	mt, p, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(p, []byte{0x01, 0x02, 0x03}) {
		t.Errorf("echo = (%d, %v), want (binary, [1 2 3])", mt, p)
	}
}

// TestFragmentedMessageReassembly feeds a text message split across three
// frames and expects one reassembled message.
func TestFragmentedMessageReassembly(t *testing.T) {
	addr, res := serveOne(t, nil)
	conn := rawHandshake(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	conn.Write(clientFrame(false, 0x1, []byte("He")))
	conn.Write(clientFrame(false, 0x0, []byte("ll")))
	conn.Write(clientFrame(true, 0x0, []byte("o")))

	mt, p, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != protocol.TextMessage || string(p) != "Hello" {
		t.Errorf("message = (%d, %q), want (text, Hello)", mt, p)
	}
}

// TestPingAnsweredWithPong verifies a ping during a read is answered
// transparently and the following data message is still delivered.
func TestPingAnsweredWithPong(t *testing.T) {
	addr, res := serveOne(t, nil)
	conn := rawHandshake(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	type readResult struct {
		mt  protocol.MessageType
		p   []byte
		err error
	}
	readCh := make(chan readResult, 1)
	go func() {
		mt, p, err := ws.ReadMessage()
		readCh <- readResult{mt, p, err}
	}()

	conn.Write(clientFrame(true, 0x9, []byte("hi")))

	// Expect an unmasked pong echoing the ping payload.
	pong := make([]byte, 4)
	if _, err := io.ReadFull(conn, pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if !bytes.Equal(pong, []byte{0x8A, 0x02, 'h', 'i'}) {
		t.Errorf("pong frame = %v, want [8A 02 68 69]", pong)
	}

	conn.Write(clientFrame(true, 0x1, []byte("x")))
	select {
	case r := <-readCh:
		if r.err != nil {
			t.Fatalf("ReadMessage: %v", r.err)
		}
		if r.mt != protocol.TextMessage || string(r.p) != "x" {
			t.Errorf("message = (%d, %q), want (text, x)", r.mt, r.p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("data message not delivered")
	}
}

// TestCloseHandshake verifies a client close yields ErrStreamClosed and a
// close reply the client observes as a normal closure.
func TestCloseHandshake(t *testing.T) {
	addr, res := serveOne(t, nil)
	client := dialClient(t, addr)
	ws := upgraded(t, res)

	type readResult struct{ err error }
	readCh := make(chan readResult, 1)
	go func() {
		_, _, err := ws.ReadMessage()
		readCh <- readResult{err}
	}()

	deadline := time.Now().Add(time.Second)
	if err := client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		t.Fatalf("write close: %v", err)
	}

	select {
	case r := <-readCh:
		if !errors.Is(r.err, protocol.ErrStreamClosed) {
			t.Errorf("ReadMessage error = %v, want ErrStreamClosed", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return")
	}
	ws.Close()

	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Errorf("client close status = %v, want 1000", err)
	}
}

// TestReadLimitEnforced verifies an oversized inbound message fails with
// ErrMessageTooLarge and the client sees a 1009 close.
func TestReadLimitEnforced(t *testing.T) {
	addr, res := serveOne(t, &protocol.StreamConfig{ReadLimit: 8})
	client := dialClient(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	type readResult struct{ err error }
	readCh := make(chan readResult, 1)
	go func() {
		_, _, err := ws.ReadMessage()
		readCh <- readResult{err}
	}()

	if err := client.WriteMessage(websocket.BinaryMessage, make([]byte, 16)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case r := <-readCh:
		if !errors.Is(r.err, protocol.ErrMessageTooLarge) {
			t.Errorf("ReadMessage error = %v, want ErrMessageTooLarge", r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return")
	}

	_, _, err := client.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseMessageTooBig {
		t.Errorf("client close status = %v, want 1009", err)
	}
}

// TestReadLimitHoldsAgainstHostileLengthClaim verifies a continuation
// frame announcing a near-MaxInt64 payload cannot slip past the read
// limit, and the peer still sees the 1009 close.
func TestReadLimitHoldsAgainstHostileLengthClaim(t *testing.T) {
	addr, res := serveOne(t, &protocol.StreamConfig{ReadLimit: 8})
	conn := rawHandshake(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	conn.Write(clientFrame(false, 0x1, []byte("a")))
	conn.Write(claimedLengthHeader(true, 0x0, math.MaxInt64))

	_, _, err := ws.ReadMessage()
	if !errors.Is(err, protocol.ErrMessageTooLarge) {
		t.Fatalf("ReadMessage error = %v, want ErrMessageTooLarge", err)
	}

	// Unmasked close frame carrying status 1009.
	frame := make([]byte, 4)
	if _, err := io.ReadFull(conn, frame); err != nil {
		t.Fatalf("read close frame: %v", err)
	}
	if !bytes.Equal(frame, []byte{0x88, 0x02, 0x03, 0xF1}) {
		t.Errorf("close frame = %v, want [88 02 03 F1]", frame)
	}
}

// TestClaimedLengthNotAllocatedUpFront verifies an unlimited stream fed a
// header announcing a terabyte-scale payload fails with a read error once
// the peer hangs up, instead of attempting a matching allocation.
func TestClaimedLengthNotAllocatedUpFront(t *testing.T) {
	addr, res := serveOne(t, nil)
	conn := rawHandshake(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	conn.Write(claimedLengthHeader(true, 0x2, 1<<40))
	conn.Close()

	type readResult struct{ err error }
	readCh := make(chan readResult, 1)
	go func() {
		_, _, err := ws.ReadMessage()
		readCh <- readResult{err}
	}()

	select {
	case r := <-readCh:
		if r.err == nil {
			t.Fatal("ReadMessage returned no error for a truncated frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ReadMessage did not return")
	}
}

// TestUnmaskedClientFrameRejected verifies the server refuses frames that
// violate the client masking requirement.
func TestUnmaskedClientFrameRejected(t *testing.T) {
	addr, res := serveOne(t, nil)
	conn := rawHandshake(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	// FIN + text, unmasked, 1-byte payload.
	conn.Write([]byte{0x81, 0x01, 'x'})

	_, _, err := ws.ReadMessage()
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("ReadMessage error = %v, want ErrProtocolViolation", err)
	}
}

// TestAutoFragmentSplitsLargeWrites verifies outbound fragmentation
// produces a fragment train a conforming client reassembles.
func TestAutoFragmentSplitsLargeWrites(t *testing.T) {
	addr, res := serveOne(t, &protocol.StreamConfig{AutoFragment: true, FragmentSize: 4})
	client := dialClient(t, addr)
	ws := upgraded(t, res)
	defer ws.Close()

	payload := []byte("0123456789")
	writeErr := make(chan error, 1)
	go func() { writeErr <- ws.WriteMessage(protocol.BinaryMessage, payload) }()

	mt, p, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(p, payload) {
		t.Errorf("message = (%d, %q), want reassembled payload", mt, p)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}
