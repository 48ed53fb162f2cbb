// SPDX-License-Identifier: MPL-2.0

// Package harness runs the bundled Rosenbrock benchmark inside a built
// artifact and checks the artifact's runtime surface.
//
// The benchmark is started through the stack's MPI launcher with the
// process count, problem dimension and bits per design variable resolved
// from positional arguments, the NP, DIM and BITS environment variables and
// the defaults 1, 2 and 31, in that order of precedence. Rank 0 of the
// script prints a single line of the form
//
//	optstack-result f=<objective> dt=<seconds> x=<x1,x2,...>
//
// which ParseResult turns into a Result.
package harness
