// SPDX-License-Identifier: MPL-2.0

// Package stackfile defines the declarative manifest that drives optstack.
//
// A stackfile lists the pinned OS base image and an ordered set of stages.
// Each stage extends exactly one parent stage and declares the build
// arguments it consumes, the packages it installs (each a pinned
// name/version/method triple), the build-only packages it must purge and
// the environment it exports to descendants.
//
// Stackfiles are CUE documents validated against an embedded schema, then
// checked for rules the schema cannot express (version pinning, sub-package
// dependencies, duplicate names).
package stackfile
