// SPDX-License-Identifier: MPL-2.0

package stackfile

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/optstack/optstack/pkg/cueutil"
)

//go:embed stackfile_schema.cue
var schema []byte

// Schema returns the embedded CUE schema.
func Schema() []byte {
	return schema
}

// Parse decodes and validates a stackfile. path is used in error messages and
// to resolve stage files.
func Parse(data []byte, path string) (*Stackfile, error) {
	res, err := cueutil.ParseAndDecode[Stackfile](schema, data, "#Stackfile", cueutil.WithFilename(path))
	if err != nil {
		return nil, err
	}

	sf := res.Value
	sf.FilePath = path
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return sf, nil
}

// ParseFile reads and parses the stackfile at path.
func ParseFile(path string) (*Stackfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stackfile: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return Parse(data, abs)
}

// Dir is the directory stage files are resolved against.
func (s *Stackfile) Dir() string {
	if s.FilePath == "" {
		return "."
	}
	return filepath.Dir(s.FilePath)
}
