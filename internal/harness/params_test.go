// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"errors"
	"testing"
	"time"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestResolveParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		env  map[string]string
		want Params
	}{
		{"defaults", nil, nil, Params{NP: 1, Dim: 2, Bits: 31}},
		{"env", nil, map[string]string{"NP": "4", "DIM": "3", "BITS": "16"}, Params{NP: 4, Dim: 3, Bits: 16}},
		{"empty env ignored", nil, map[string]string{"NP": ""}, Params{NP: 1, Dim: 2, Bits: 31}},
		{"positional beats env", []string{"2"}, map[string]string{"NP": "8", "DIM": "5"}, Params{NP: 2, Dim: 5, Bits: 31}},
		{"all positional", []string{"2", "2", "31"}, map[string]string{"BITS": "8"}, Params{NP: 2, Dim: 2, Bits: 31}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ResolveParams(tt.args, envOf(tt.env))
			if err != nil {
				t.Fatalf("ResolveParams() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveParams() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestResolveParams_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"too many", []string{"1", "2", "3", "4"}, nil},
		{"not a number", []string{"two"}, nil},
		{"zero", []string{"0"}, nil},
		{"negative dim", []string{"1", "-2"}, nil},
		{"bits too wide", []string{"1", "2", "32"}, nil},
		{"bits too wide from env", nil, map[string]string{"BITS": "62"}},
		{"bad env", nil, map[string]string{"DIM": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := ResolveParams(tt.args, envOf(tt.env)); !errors.Is(err, ErrInvalidParam) {
				t.Errorf("ResolveParams() error = %v, want ErrInvalidParam", err)
			}
		})
	}
}

func TestParams_Validate(t *testing.T) {
	t.Parallel()

	if err := DefaultParams().Validate(); err != nil {
		t.Errorf("default params invalid: %v", err)
	}
	wide := DefaultParams()
	wide.Bits = MaxBits + 1
	if err := wide.Validate(); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Validate(bits=%d) = %v", wide.Bits, err)
	}
	bad := DefaultParams()
	bad.NaNRange = -1
	if err := bad.Validate(); !errors.Is(err, ErrInvalidParam) {
		t.Errorf("Validate() = %v", err)
	}
	if got := DefaultParams().String(); got != "np=1 dim=2 bits=31" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseResult(t *testing.T) {
	t.Parallel()

	out := "Running GA...\noptstack-result f=99 dt=1 x=0,0\nnoise\n  optstack-result f=1.5e-05 dt=12.250000 x=0.999,0.998  \n"
	res, err := ParseResult(out)
	if err != nil {
		t.Fatalf("ParseResult() error: %v", err)
	}
	if res.Objective != 1.5e-05 {
		t.Errorf("Objective = %g, the last line must win", res.Objective)
	}
	if res.Elapsed != 12250*time.Millisecond {
		t.Errorf("Elapsed = %s", res.Elapsed)
	}
	if len(res.X) != 2 || res.X[0] != 0.999 {
		t.Errorf("X = %v", res.X)
	}
	if !res.NearZero(0) || !res.NearZero(1e-4) || res.NearZero(1e-6) {
		t.Error("NearZero() mismatch")
	}

	for _, bad := range []string{
		"",
		"optstack-results f=1 x=1",
		"optstack-result dt=1 x=1",
		"optstack-result f=abc x=1",
		"optstack-result f=1 x=1,zz",
	} {
		if _, err := ParseResult(bad); err == nil {
			t.Errorf("ParseResult(%q) succeeded", bad)
		}
	}
	if _, err := ParseResult("optstack-result f=1 dt=2"); !errors.Is(err, ErrNoResult) {
		t.Errorf("incomplete line error = %v", err)
	}
}
