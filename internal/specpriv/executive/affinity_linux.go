// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package executive

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pin binds the calling thread to the CPU chosen for worker id by policy. The
// caller has locked the goroutine to its thread.
func pin(id int, policy string) error {
	ncpu := runtime.NumCPU()
	cpu := cpuFor(id, ncpu, policy)
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin worker %d to cpu %d: %w", id, cpu, err)
	}
	return nil
}
