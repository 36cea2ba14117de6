// File: protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Streaming WebSocket frame codec. Headers are decoded directly off the
// buffered reader so oversized payloads can be rejected before a single
// payload byte is buffered.

package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame opcodes, RFC 6455 section 5.2.
const (
	opContinuation byte = 0x0
	opText         byte = 0x1
	opBinary       byte = 0x2
	opClose        byte = 0x8
	opPing         byte = 0x9
	opPong         byte = 0xA
)

// maxControlPayload is the RFC limit on control-frame payloads.
const maxControlPayload = 125

type frameHeader struct {
	fin     bool
	rsv     byte
	opcode  byte
	masked  bool
	length  int64
	maskKey [4]byte
}

// readFrameHeader decodes one frame header, including the extended length
// forms and the mask key when present.
func readFrameHeader(br *bufio.Reader) (frameHeader, error) {
	var h frameHeader
	b0, err := br.ReadByte()
	if err != nil {
		return h, err
	}
	b1, err := br.ReadByte()
	if err != nil {
		return h, err
	}
	h.fin = b0&0x80 != 0
	h.rsv = b0 & 0x70
	h.opcode = b0 & 0x0F
	h.masked = b1&0x80 != 0

	length := int64(b1 & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return h, err
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			return h, err
		}
		v := binary.BigEndian.Uint64(ext[:])
		if v > math.MaxInt64 {
			return h, fmt.Errorf("%w: frame length overflow", ErrProtocolViolation)
		}
		length = int64(v)
	}
	h.length = length

	if h.masked {
		if _, err := io.ReadFull(br, h.maskKey[:]); err != nil {
			return h, err
		}
	}
	return h, nil
}

// writeFrame writes one server-to-client frame. Server frames are never
// masked. Header and payload go out in a single Write.
func writeFrame(w io.Writer, fin bool, opcode byte, payload []byte) error {
	buf := make([]byte, 0, 10+len(payload))

	var b0 byte
	if fin {
		b0 = 0x80
	}
	b0 |= opcode & 0x0F
	buf = append(buf, b0)

	n := len(payload)
	switch {
	case n <= 125:
		buf = append(buf, byte(n))
	case n <= 0xFFFF:
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		buf = append(buf, 126)
		buf = append(buf, ext[:]...)
	default:
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		buf = append(buf, 127)
		buf = append(buf, ext[:]...)
	}

	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
