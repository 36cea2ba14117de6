// File: protocol/handshake.go
// Package protocol implements a native RFC 6455 WebSocket layer over raw
// net.Conn sockets, without a net/http front.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Upgrade validates the client's HTTP/1.1 upgrade request, computes the
// Sec-WebSocket-Accept value, writes the 101 response, and hands the
// socket over to a Stream. Extensions offered by the client (such as
// permessage-deflate) are declined by omission, never negotiated.

package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// maxHandshakeHeaderBytes caps the combined length of handshake headers.
const maxHandshakeHeaderBytes = 8192

// ErrBadHandshake is returned when the client request is not a valid
// WebSocket upgrade.
var ErrBadHandshake = errors.New("websocket: invalid upgrade request")

// StreamConfig is the one-time configuration applied to a stream before
// its handshake completes.
type StreamConfig struct {
	// ReadLimit bounds the byte size of a complete inbound message;
	// zero means no limit.
	ReadLimit int64

	// AutoFragment splits outbound messages into FragmentSize frames.
	// When false (the default) every message is written as one frame.
	AutoFragment bool

	// FragmentSize is the fragment payload size used when AutoFragment
	// is set. Zero selects the default.
	FragmentSize int

	// Header holds extra response headers written with the 101 reply,
	// for example a Server header.
	Header map[string]string
}

// Upgrade performs the server side of the WebSocket handshake on a raw
// accepted socket. On success the returned Stream owns conn; on failure
// the caller still owns conn and should close it.
func Upgrade(conn net.Conn, cfg *StreamConfig) (*Stream, error) {
	br := bufio.NewReader(conn)
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] != "GET" || parts[2] != "HTTP/1.1" {
		return nil, fmt.Errorf("%w: malformed request line %q", ErrBadHandshake, line)
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("read upgrade headers: %w", err)
	}
	total := 0
	for k, vs := range hdr {
		total += len(k)
		for _, v := range vs {
			total += len(v)
		}
	}
	if total > maxHandshakeHeaderBytes {
		return nil, fmt.Errorf("%w: handshake headers too large", ErrBadHandshake)
	}

	if !headerContainsToken(hdr, "Connection", "upgrade") ||
		!headerContainsToken(hdr, "Upgrade", "websocket") {
		return nil, fmt.Errorf("%w: missing upgrade headers", ErrBadHandshake)
	}
	if v := hdr.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrBadHandshake, v)
	}
	key := hdr.Get("Sec-WebSocket-Key")
	if key == "" {
		return nil, fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrBadHandshake)
	}

	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	sb.WriteString("Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n")
	if cfg != nil {
		for k, v := range cfg.Header {
			sb.WriteString(k + ": " + v + "\r\n")
		}
	}
	sb.WriteString("\r\n")
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	return newStream(conn, br, cfg), nil
}

// acceptKey computes the Sec-WebSocket-Accept value for the client's key,
// per RFC 6455 section 1.3.
func acceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey + websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// headerContainsToken reports whether the named header contains the given
// token, case-insensitive, in any comma-separated list value.
func headerContainsToken(h textproto.MIMEHeader, name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h[textproto.CanonicalMIMEHeaderKey(name)] {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
