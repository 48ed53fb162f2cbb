// SPDX-License-Identifier: MPL-2.0

package stackfile

import (
	"fmt"
	"slices"
)

// Subpackage is an optional library the numerical library downloads and links
// during configure.
type Subpackage string

const (
	SubpackageMETIS       Subpackage = "metis"
	SubpackageParMETIS    Subpackage = "parmetis"
	SubpackagePTScotch    Subpackage = "ptscotch"
	SubpackageZoltan      Subpackage = "zoltan"
	SubpackageMUMPS       Subpackage = "mumps"
	SubpackageSuperLUDist Subpackage = "superlu_dist"
	SubpackageScaLAPACK   Subpackage = "scalapack"
	SubpackageHYPRE       Subpackage = "hypre"
	SubpackageFBLASLAPACK Subpackage = "fblaslapack"
)

// subpackageRequires lists the sub-packages each sub-package cannot be configured without.
var subpackageRequires = map[Subpackage][]Subpackage{
	SubpackageParMETIS: {SubpackageMETIS},
	SubpackageMUMPS:    {SubpackageScaLAPACK},
}

// Subpackages returns every known sub-package in configure order.
func Subpackages() []Subpackage {
	return []Subpackage{
		SubpackageFBLASLAPACK,
		SubpackageMETIS,
		SubpackageParMETIS,
		SubpackagePTScotch,
		SubpackageZoltan,
		SubpackageScaLAPACK,
		SubpackageMUMPS,
		SubpackageSuperLUDist,
		SubpackageHYPRE,
	}
}

// Validate reports whether s is a known sub-package.
func (s Subpackage) Validate() error {
	if !slices.Contains(Subpackages(), s) {
		return fmt.Errorf("unknown sub-package %q", s)
	}
	return nil
}

// ConfigureFlag is the configure switch that downloads and links s.
func (s Subpackage) ConfigureFlag() string {
	return "--download-" + string(s)
}

// SortedSubpackages returns set ordered by Subpackages(), without duplicates.
func SortedSubpackages(set []Subpackage) []Subpackage {
	out := make([]Subpackage, 0, len(set))
	for _, s := range Subpackages() {
		if slices.Contains(set, s) {
			out = append(out, s)
		}
	}
	return out
}

// checkSubpackages validates the selected set against the dependency table and
// the scalar type.
func checkSubpackages(set []Subpackage, scalar ScalarType) []string {
	var problems []string
	for _, s := range set {
		if err := s.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		for _, dep := range subpackageRequires[s] {
			if !slices.Contains(set, dep) {
				problems = append(problems, fmt.Sprintf("sub-package %q requires %q", s, dep))
			}
		}
	}
	if scalar == ScalarComplex && slices.Contains(set, SubpackageHYPRE) {
		problems = append(problems, `sub-package "hypre" does not support scalar_type "complex"`)
	}
	return problems
}
