// SPDX-License-Identifier: MPL-2.0

package harness

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ResultPrefix starts the line the benchmark prints on rank 0.
const ResultPrefix = "optstack-result"

var (
	// ErrNoResult is returned when the output carries no result line.
	ErrNoResult = errors.New("benchmark printed no result line")
	// ErrRunFailed is returned when the benchmark exits non-zero.
	ErrRunFailed = errors.New("benchmark failed")
)

// Result is the outcome of one benchmark run.
type Result struct {
	Params Params
	// Objective is the best Rosenbrock value found.
	Objective float64
	// Elapsed is the driver's wall time as reported by the script.
	Elapsed time.Duration
	// X is the best design point.
	X []float64
	// Plot is the host path of the contour plot, empty when none was
	// requested or the benchmark did not write one.
	Plot string
}

// NearZero reports whether |Objective| < tolerance. A non-positive
// tolerance uses DefaultTolerance.
func (r *Result) NearZero(tolerance float64) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return math.Abs(r.Objective) < tolerance
}

// ParseResult extracts the last result line from the benchmark output.
func ParseResult(output string) (*Result, error) {
	var line string
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if strings.HasPrefix(l, ResultPrefix+" ") {
			line = l
		}
	}
	if line == "" {
		return nil, ErrNoResult
	}

	var (
		res          Result
		haveF, haveX bool
	)
	for _, field := range strings.Fields(strings.TrimPrefix(line, ResultPrefix)) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "f":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parse objective %q: %w", value, err)
			}
			res.Objective, haveF = f, true
		case "dt":
			dt, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("parse elapsed time %q: %w", value, err)
			}
			res.Elapsed = time.Duration(dt * float64(time.Second))
		case "x":
			for _, s := range strings.Split(value, ",") {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("parse design point %q: %w", value, err)
				}
				res.X = append(res.X, v)
			}
			haveX = true
		}
	}
	if !haveF || !haveX {
		return nil, fmt.Errorf("%w: incomplete line %q", ErrNoResult, line)
	}
	return &res, nil
}
