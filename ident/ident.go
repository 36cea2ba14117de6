// File: ident/ident.go
// Package ident issues process-wide connection ids.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ids are allocated by a single atomic counter: lock-free, strictly
// increasing in allocation order, unique across every port and connection
// in the process, never reset. The counter is 64 bits wide, so wrap-around
// is unreachable in practice and deliberately not special-cased. There is
// no ordering guarantee relative to wall-clock accept time across ports.

package ident

import "sync/atomic"

// Sequence is an independent id allocator. The zero value is ready to use;
// its first id is 1.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next id from the sequence.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

var global Sequence

// Next returns the next id from the shared process-wide sequence.
func Next() uint64 {
	return global.Next()
}
