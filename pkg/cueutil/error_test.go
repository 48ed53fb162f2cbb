// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"errors"
	"strings"
	"testing"
)

func TestFormatError(t *testing.T) {
	t.Parallel()

	if err := FormatError(nil, "stackfile.cue"); err != nil {
		t.Errorf("FormatError(nil) = %v, want nil", err)
	}

	err := FormatError(errors.New("boom"), "stackfile.cue")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); got != "stackfile.cue: boom" {
		t.Errorf("FormatError() = %q", got)
	}
}

func TestFormatError_IncludesPath(t *testing.T) {
	t.Parallel()

	data := []byte(`
name:    "petsc"
version: 3
`)
	_, err := ParseAndDecode[testPin]([]byte(testSchema), data, "#Pin", WithFilename("s.cue"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Errorf("error should mention the field path, got: %v", err)
	}
}

func TestFormatPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path []string
		want string
	}{
		{nil, ""},
		{[]string{"name"}, "name"},
		{[]string{"stages", "0", "name"}, "stages[0].name"},
		{[]string{"stages", "1", "packages", "3", "version"}, "stages[1].packages[3].version"},
		{[]string{"0"}, "0"},
	}

	for _, tt := range tests {
		if got := formatPath(tt.path); got != tt.want {
			t.Errorf("formatPath(%v) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestCheckFileSize(t *testing.T) {
	t.Parallel()

	if err := CheckFileSize(make([]byte, 10), 10, "a.cue"); err != nil {
		t.Errorf("CheckFileSize() at limit = %v", err)
	}
	if err := CheckFileSize(make([]byte, 11), 10, "a.cue"); err == nil {
		t.Error("CheckFileSize() over limit should fail")
	}
}
