// SPDX-License-Identifier: MPL-2.0

// Package issue provides user-facing errors for optstack.
//
// ActionableError carries the failed operation, the resource involved and
// suggestions for the user. Issue pages are longer Markdown explanations for
// recurring failure classes (engine missing, fetch failure, compile failure)
// rendered in the terminal with glamour.
package issue
