// Copyright 2025 The specpriv Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package executive

import "errors"

// pin is unsupported outside Linux; workers run unpinned.
func pin(int, string) error {
	return errors.New("cpu affinity is only supported on linux")
}
