// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package cmd

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// runAttached runs c on a pseudo-terminal wired to stdin and stdout. When
// stdin is a terminal it is switched to raw mode and window size changes
// are forwarded.
func runAttached(c *exec.Cmd, stdin io.Reader, stdout io.Writer) (int, error) {
	ptmx, err := pty.Start(c)
	if err != nil {
		return 1, err
	}
	defer func() { _ = ptmx.Close() }()

	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		resize := make(chan os.Signal, 1)
		signal.Notify(resize, syscall.SIGWINCH)
		defer func() {
			signal.Stop(resize)
			close(resize)
		}()
		go func() {
			for range resize {
				_ = pty.InheritSize(f, ptmx)
			}
		}()
		resize <- syscall.SIGWINCH

		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return 1, err
		}
		defer func() { _ = term.Restore(int(f.Fd()), state) }()
	}

	go func() { _, _ = io.Copy(ptmx, stdin) }()
	// Reading the master fails with EIO once the child exits.
	if _, err := io.Copy(stdout, ptmx); err != nil && !errors.Is(err, syscall.EIO) {
		_ = c.Wait()
		return 1, err
	}
	return exitCode(c.Wait())
}
