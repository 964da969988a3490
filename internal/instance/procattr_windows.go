// Copyright (c) 2014 The AUTHORS
//
// Use of this source code is governed by the MIT license
// that can be found in the LICENSE file.

//go:build windows

package instance

import "syscall"

// detachedProcAttr mirrors procattr_unix.go's process-group isolation
// using the Windows process-creation flag for a new process group.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
