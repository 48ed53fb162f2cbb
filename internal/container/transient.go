// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// transientMarkers are engine messages for failures that usually succeed on
// a second attempt: rootless Podman races and overlay mount glitches.
var transientMarkers = []string{
	"ping_group_range",
	"OCI runtime error",
	"error creating overlay mount",
	"error mounting layer",
	"Cannot connect to the Docker daemon",
	"TLS handshake timeout",
}

// IsTransientError reports whether err is an engine-level failure worth
// retrying. Context cancellation never is. Failures of commands inside a
// build step are not covered here: a failing fetch or compile must surface
// to the caller unchanged.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// 125 is the engine's own generic failure code.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}

	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
