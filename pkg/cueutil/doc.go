// SPDX-License-Identifier: MPL-2.0

// Package cueutil decodes CUE documents against an embedded schema.
//
// Stackfiles and the optstack configuration file share the same flow:
// compile the schema, compile the user document, unify the two, validate,
// and decode into a Go value. Validation errors carry the JSON-style path of
// the offending field, e.g. "stages[2].numlib.subpackages[0]".
//
//	//go:embed stackfile_schema.cue
//	var schema []byte
//
//	res, err := cueutil.ParseAndDecode[Stackfile](schema, data, "#Stackfile",
//	    cueutil.WithFilename("stackfile.cue"))
package cueutil
