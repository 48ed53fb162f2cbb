// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/moby/buildkit/frontend/dockerfile/parser"
)

// ErrInvalidDockerfile is returned when a rendered Dockerfile is rejected by
// the Dockerfile parser.
var ErrInvalidDockerfile = errors.New("invalid Dockerfile")

// ValidateDockerfile parses the Dockerfile text with the BuildKit frontend
// parser and checks its structure: the first instruction is FROM and every
// RUN carries a shell command. It returns the number of instructions.
func ValidateDockerfile(text string) (int, error) {
	res, err := parser.Parse(strings.NewReader(text))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidDockerfile, err)
	}
	if len(res.Warnings) > 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDockerfile, res.Warnings[0].Short)
	}

	nodes := res.AST.Children
	if len(nodes) == 0 {
		return 0, fmt.Errorf("%w: no instructions", ErrInvalidDockerfile)
	}
	if !strings.EqualFold(nodes[0].Value, "from") {
		return 0, fmt.Errorf("%w: line %d: first instruction is %s, want FROM", ErrInvalidDockerfile, nodes[0].StartLine, strings.ToUpper(nodes[0].Value))
	}
	for _, n := range nodes {
		if strings.EqualFold(n.Value, "run") && (n.Next == nil || strings.TrimSpace(n.Next.Value) == "") {
			return 0, fmt.Errorf("%w: line %d: empty RUN", ErrInvalidDockerfile, n.StartLine)
		}
	}
	return len(nodes), nil
}

// Validate checks the rendered Dockerfile and the shell of every step.
func Validate(d *Dockerfile) error {
	if _, err := ValidateDockerfile(d.String()); err != nil {
		return fmt.Errorf("stage %q: %w", d.Stage, err)
	}
	return ValidateShell(d)
}
