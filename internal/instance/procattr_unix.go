// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build !windows

package instance

import "syscall"

// detachedProcAttr puts the worker in its own process group so a
// SIGTERM to the branch does not cascade to workers the Supervisor has
// not yet decided to stop.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
