// File: api/handler.go
// Package api defines the capability interfaces shared across multiport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "net"

// Handler is the per-port protocol entry point supplied by the user.
// One Handler instance serves one listening port.
type Handler interface {
	// OnAccept is invoked once per accepted connection, on the owning
	// port's serialization context. It receives a fresh process-wide
	// connection id, the accepted socket, and the remote endpoint.
	//
	// OnAccept must not block: the port does not issue its next accept
	// until OnAccept returns. Implementations take ownership of conn and
	// hand it off to an independently scheduled object.
	OnAccept(id uint64, conn net.Conn, remote net.Addr)
}
