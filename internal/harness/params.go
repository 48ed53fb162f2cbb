// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"errors"
	"fmt"
	"strconv"
)

// Parameter defaults.
const (
	DefaultNP   = 1
	DefaultDim  = 2
	DefaultBits = 31

	// DefaultTolerance is the largest |f| still reported as near zero.
	DefaultTolerance = 1e-2
)

// Environment variables read by ResolveParams.
const (
	EnvNP   = "NP"
	EnvDim  = "DIM"
	EnvBits = "BITS"

	// EnvPlotContour is passed through to the benchmark when set on the host.
	EnvPlotContour = "PLOT_CONTOUR"
	// EnvPlotDir tells the benchmark where to write its contour plot.
	EnvPlotDir = "PLOT_DIR"
)

// Contour plot locations. The host plot directory is mounted at
// PlotMountPath for the run, so the plot survives the removed container.
const (
	PlotMountPath = "/optstack-plots"
	PlotFileName  = "rosenbrock.png"
)

// MaxBits bounds the genetic encoding of one design variable. Wider
// encodings overflow the int32 NumPy uses to decode them.
const MaxBits = 31

// ErrInvalidParam is returned for a malformed or out-of-range parameter.
var ErrInvalidParam = errors.New("invalid harness parameter")

// Params are the benchmark inputs.
type Params struct {
	// NP is the number of MPI processes.
	NP int
	// Dim is the problem dimension.
	Dim int
	// Bits is the encoding width of each design variable.
	Bits int

	// NaNPoints and NaNRange tune the failed-evaluation regions. Zero keeps
	// the script defaults.
	NaNPoints int
	NaNRange  float64
}

// DefaultParams returns np=1, dim=2, bits=31.
func DefaultParams() Params {
	return Params{NP: DefaultNP, Dim: DefaultDim, Bits: DefaultBits}
}

// ResolveParams fills Params from up to three positional arguments
// (np, dim, bits), then from the environment, then from the defaults.
// lookupEnv is usually os.LookupEnv.
func ResolveParams(args []string, lookupEnv func(string) (string, bool)) (Params, error) {
	if len(args) > 3 {
		return Params{}, fmt.Errorf("%w: expected at most 3 arguments (np dim bits), got %d", ErrInvalidParam, len(args))
	}
	if lookupEnv == nil {
		lookupEnv = func(string) (string, bool) { return "", false }
	}

	p := DefaultParams()
	fields := []struct {
		name string
		env  string
		dst  *int
		max  int
	}{
		{"np", EnvNP, &p.NP, 0},
		{"dim", EnvDim, &p.Dim, 0},
		{"bits", EnvBits, &p.Bits, MaxBits},
	}

	for i, f := range fields {
		raw, source := "", ""
		switch {
		case i < len(args):
			raw, source = args[i], "argument"
		default:
			if v, ok := lookupEnv(f.env); ok && v != "" {
				raw, source = v, "$"+f.env
			}
		}
		if source == "" {
			continue
		}

		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Params{}, fmt.Errorf("%w: %s from %s must be a positive integer, got %q", ErrInvalidParam, f.name, source, raw)
		}
		if f.max > 0 && n > f.max {
			return Params{}, fmt.Errorf("%w: %s must be at most %d, got %d", ErrInvalidParam, f.name, f.max, n)
		}
		*f.dst = n
	}
	return p, nil
}

// Validate checks the parameters are usable.
func (p Params) Validate() error {
	switch {
	case p.NP < 1:
		return fmt.Errorf("%w: np must be positive", ErrInvalidParam)
	case p.Dim < 1:
		return fmt.Errorf("%w: dim must be positive", ErrInvalidParam)
	case p.Bits < 1 || p.Bits > MaxBits:
		return fmt.Errorf("%w: bits must be between 1 and %d", ErrInvalidParam, MaxBits)
	case p.NaNPoints < 0 || p.NaNRange < 0:
		return fmt.Errorf("%w: nan-points and nan-range must not be negative", ErrInvalidParam)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("np=%d dim=%d bits=%d", p.NP, p.Dim, p.Bits)
}
