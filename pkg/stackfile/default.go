// SPDX-License-Identifier: MPL-2.0

package stackfile

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var (
	//go:embed defaults/stackfile.cue
	defaultStackfile []byte

	//go:embed defaults/rosenbrock.py
	defaultHarnessScript []byte
)

// DefaultSource returns the CUE source of the default stack.
func DefaultSource() []byte {
	return defaultStackfile
}

// Default returns the parsed default stack.
func Default() (*Stackfile, error) {
	return Parse(defaultStackfile, FileName)
}

// HarnessScript returns the bundled Rosenbrock benchmark script.
func HarnessScript() []byte {
	return defaultHarnessScript
}

// WriteDefaults writes the default stackfile and harness script into dir.
// Existing files are left alone unless force is set. It returns the paths written.
func WriteDefaults(dir string, force bool) ([]string, error) {
	files := []struct {
		name string
		data []byte
		mode fs.FileMode
	}{
		{FileName, defaultStackfile, 0o644},
		{"rosenbrock.py", defaultHarnessScript, 0o755},
	}

	var written []string
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return written, fmt.Errorf("stat %s: %w", path, err)
			}
		}
		if err := os.WriteFile(path, f.data, f.mode); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}
