// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package executive

import "github.com/kolkov/specpriv/internal/specpriv/config"

// cpuFor returns the CPU for worker id out of ncpu, or -1 when the policy does not
// pin. pin-skip-zero leaves CPU 0 to the main goroutine.
func cpuFor(id, ncpu int, policy string) int {
	switch policy {
	case config.AffinityPin:
		return id % ncpu
	case config.AffinityPinSkipZero:
		if ncpu < 2 {
			return 0
		}
		return 1 + id%(ncpu-1)
	}
	return -1
}
