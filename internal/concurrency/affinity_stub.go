// File: internal/concurrency/affinity_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package concurrency

import "github.com/momentics/multiport/api"

func pinCurrentThread(worker int) error {
	return api.ErrAffinityNotSupported
}
