// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helper functions for tests that handle errors
// appropriately, reducing boilerplate and ensuring consistent error handling.
//
// Common helpers include environment variable management (MustSetenv),
// directory operations (MustChdir, MustWriteFile) and a process-wide limit
// on concurrent container operations (ContainerSemaphore).
package testutil
