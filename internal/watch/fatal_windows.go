// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import (
	"errors"
	"syscall"
)

// Win32 errors after which ReadDirectoryChangesW cannot recover.
const (
	errTooManyOpenFiles = syscall.Errno(4)
	errInvalidHandle    = syscall.Errno(6)
	errNotEnoughMemory  = syscall.Errno(8)
)

// isFatal reports handle exhaustion, a watched directory that vanished, or
// a notification buffer that could not be allocated.
func isFatal(err error) bool {
	return errors.Is(err, errTooManyOpenFiles) ||
		errors.Is(err, errInvalidHandle) ||
		errors.Is(err, errNotEnoughMemory)
}
