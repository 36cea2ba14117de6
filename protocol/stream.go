// File: protocol/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream is the message-level view of one WebSocket connection: it
// reassembles fragmented messages, unmasks client frames, answers pings,
// handles the closing handshake, and enforces the configured read limit.
//
// A Stream expects the single-pending-operation discipline of its callers:
// at most one ReadMessage and one WriteMessage in flight at a time. It
// performs no internal locking beyond that contract.

package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MessageType identifies the framing of a complete message. The values
// match the RFC 6455 data opcodes.
type MessageType int

const (
	// TextMessage is a UTF-8 text message.
	TextMessage MessageType = 1
	// BinaryMessage is an opaque binary message.
	BinaryMessage MessageType = 2
)

// Close status codes, RFC 6455 section 7.4.1.
const (
	closeNormalClosure = 1000
	closeMessageTooBig = 1009
)

var (
	// ErrStreamClosed reports a clean protocol-level closure. It is the
	// expected end of a connection, not a failure.
	ErrStreamClosed = errors.New("websocket: stream closed")

	// ErrMessageTooLarge reports an inbound message over the read limit.
	ErrMessageTooLarge = errors.New("websocket: message exceeds read limit")

	// ErrProtocolViolation reports a malformed or illegal frame.
	ErrProtocolViolation = errors.New("websocket: protocol violation")
)

// Stream is an established server-side WebSocket connection.
type Stream struct {
	conn net.Conn
	br   *bufio.Reader

	readLimit    int64
	autoFragment bool
	fragmentSize int

	sentClose bool
}

const defaultFragmentSize = 16 * 1024

// payloadChunkSize bounds how much buffer grows ahead of received bytes
// while reading a frame payload.
const payloadChunkSize int64 = 32 * 1024

func newStream(conn net.Conn, br *bufio.Reader, cfg *StreamConfig) *Stream {
	s := &Stream{conn: conn, br: br}
	if cfg != nil {
		s.readLimit = cfg.ReadLimit
		s.autoFragment = cfg.AutoFragment
		s.fragmentSize = cfg.FragmentSize
	}
	if s.fragmentSize <= 0 {
		s.fragmentSize = defaultFragmentSize
	}
	return s
}

// RemoteAddr returns the peer's address.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SetReadLimit bounds the byte size of a complete inbound message.
// Effective for messages whose first frame arrives after the call.
func (s *Stream) SetReadLimit(n int64) {
	s.readLimit = n
}

// SetAutoFragment toggles outbound fragmentation. A size of zero keeps
// the current fragment size.
func (s *Stream) SetAutoFragment(on bool, size int) {
	s.autoFragment = on
	if size > 0 {
		s.fragmentSize = size
	}
}

// ReadMessage blocks until a complete data message arrives and returns it
// with its type tag. Control frames are consumed transparently: pings are
// answered, pongs ignored. A close frame completes the closing handshake
// and yields ErrStreamClosed.
func (s *Stream) ReadMessage() (MessageType, []byte, error) {
	var msgType MessageType
	var msg []byte
	for {
		h, err := s.readHeader()
		if err != nil {
			return 0, nil, err
		}

		if h.opcode >= opClose {
			done, err := s.handleControl(h)
			if err != nil {
				return 0, nil, err
			}
			if done {
				return 0, nil, ErrStreamClosed
			}
			continue
		}

		switch h.opcode {
		case opContinuation:
			if msgType == 0 {
				return 0, nil, fmt.Errorf("%w: continuation without start", ErrProtocolViolation)
			}
		case opText, opBinary:
			if msgType != 0 {
				return 0, nil, fmt.Errorf("%w: interleaved data message", ErrProtocolViolation)
			}
			msgType = MessageType(h.opcode)
		default:
			return 0, nil, fmt.Errorf("%w: reserved opcode %#x", ErrProtocolViolation, h.opcode)
		}
		if !h.masked {
			return 0, nil, fmt.Errorf("%w: unmasked client frame", ErrProtocolViolation)
		}
		// Compare by subtraction: len(msg) is already within the limit,
		// while h.length is whatever the peer claimed and may be large
		// enough to overflow a sum.
		if s.readLimit > 0 && h.length > s.readLimit-int64(len(msg)) {
			s.writeCloseOnce(closeStatusPayload(closeMessageTooBig))
			return 0, nil, ErrMessageTooLarge
		}

		payload, err := s.readPayload(h)
		if err != nil {
			return 0, nil, err
		}
		msg = append(msg, payload...)
		if h.fin {
			return msgType, msg, nil
		}
	}
}

// WriteMessage writes one complete data message. With auto-fragmentation
// enabled, payloads over the fragment size go out as a fragment train;
// otherwise the message is a single frame.
func (s *Stream) WriteMessage(t MessageType, payload []byte) error {
	if t != TextMessage && t != BinaryMessage {
		return fmt.Errorf("%w: invalid message type %d", ErrProtocolViolation, t)
	}
	if s.sentClose {
		return ErrStreamClosed
	}
	if !s.autoFragment || len(payload) <= s.fragmentSize {
		return writeFrame(s.conn, true, byte(t), payload)
	}

	opcode := byte(t)
	for {
		n := s.fragmentSize
		if n > len(payload) {
			n = len(payload)
		}
		fin := n == len(payload)
		if err := writeFrame(s.conn, fin, opcode, payload[:n]); err != nil {
			return err
		}
		if fin {
			return nil
		}
		payload = payload[n:]
		opcode = opContinuation
	}
}

// Close sends a normal-closure frame if none has been sent yet and closes
// the underlying socket.
func (s *Stream) Close() error {
	s.writeCloseOnce(closeStatusPayload(closeNormalClosure))
	return s.conn.Close()
}

func (s *Stream) readHeader() (frameHeader, error) {
	h, err := readFrameHeader(s.br)
	if err != nil {
		return h, err
	}
	if h.rsv != 0 {
		// No extension was negotiated, so RSV bits are illegal.
		return h, fmt.Errorf("%w: unexpected reserved bits", ErrProtocolViolation)
	}
	return h, nil
}

// handleControl consumes one control frame. It reports done once the peer
// initiated the closing handshake.
func (s *Stream) handleControl(h frameHeader) (done bool, err error) {
	if !h.fin || h.length > maxControlPayload {
		return false, fmt.Errorf("%w: malformed control frame", ErrProtocolViolation)
	}
	payload, err := s.readPayload(h)
	if err != nil {
		return false, err
	}
	switch h.opcode {
	case opClose:
		var status []byte
		if len(payload) >= 2 {
			status = payload[:2]
		}
		s.writeCloseOnce(status)
		return true, nil
	case opPing:
		if err := writeFrame(s.conn, true, opPong, payload); err != nil {
			return false, err
		}
	case opPong:
		// Unsolicited pongs are permitted and ignored.
	default:
		return false, fmt.Errorf("%w: reserved control opcode %#x", ErrProtocolViolation, h.opcode)
	}
	return false, nil
}

// readPayload reads h.length payload bytes. The buffer grows in chunks
// as bytes actually arrive, so a header claiming an absurd length never
// forces a matching allocation up front.
func (s *Stream) readPayload(h frameHeader) ([]byte, error) {
	if h.length == 0 {
		return nil, nil
	}
	var buf []byte
	for int64(len(buf)) < h.length {
		chunk := h.length - int64(len(buf))
		if chunk > payloadChunkSize {
			chunk = payloadChunkSize
		}
		off := len(buf)
		buf = append(buf, make([]byte, chunk)...)
		if _, err := io.ReadFull(s.br, buf[off:]); err != nil {
			return nil, err
		}
	}
	if h.masked {
		for i := range buf {
			buf[i] ^= h.maskKey[i%4]
		}
	}
	return buf, nil
}

// writeCloseOnce sends at most one close frame over the stream's lifetime.
// Best effort: the stream is terminating either way.
func (s *Stream) writeCloseOnce(status []byte) {
	if s.sentClose {
		return
	}
	s.sentClose = true
	writeFrame(s.conn, true, opClose, status)
}

func closeStatusPayload(code uint16) []byte {
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], code)
	return p[:]
}
