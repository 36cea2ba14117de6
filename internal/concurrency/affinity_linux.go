// File: internal/concurrency/affinity_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to one CPU, chosen round-robin from the worker index.
func pinCurrentThread(worker int) error {
	runtime.LockOSThread()
	cpu := worker % runtime.NumCPU()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
