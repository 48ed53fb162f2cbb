// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ShellError reports a RUN step whose shell does not parse.
type ShellError struct {
	Stage string
	Phase Phase
	Err   error
}

func (e *ShellError) Error() string {
	return fmt.Sprintf("stage %q: %s step: invalid shell: %v", e.Stage, e.Phase, e.Err)
}

func (e *ShellError) Unwrap() error { return e.Err }

// ParseScript parses a POSIX shell script.
func ParseScript(script, name string) (*syntax.File, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	return parser.Parse(strings.NewReader(script), name)
}

// ValidateShell parses every RUN step of the Dockerfile as POSIX shell.
// User-supplied build commands end up in these steps, so a typo surfaces
// here instead of minutes into a build.
func ValidateShell(d *Dockerfile) error {
	for _, s := range d.Runs() {
		if _, err := ParseScript(s.Script(), d.Stage+"/"+string(s.Phase)); err != nil {
			return &ShellError{Stage: d.Stage, Phase: s.Phase, Err: err}
		}
	}
	return nil
}

// CommandNames returns the literal names of every command invoked by the
// script, in source order. Commands whose name is not a literal are skipped.
func CommandNames(script string) ([]string, error) {
	f, err := ParseScript(script, "")
	if err != nil {
		return nil, err
	}
	var names []string
	syntax.Walk(f, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok && len(call.Args) > 0 {
			if lit := call.Args[0].Lit(); lit != "" {
				names = append(names, lit)
			}
		}
		return true
	})
	return names, nil
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, needsQuote) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuote(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	case strings.ContainsRune("-_./:=+,@%", r):
		return false
	}
	return true
}

func quoteAll(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = shellQuote(w)
	}
	return strings.Join(quoted, " ")
}
