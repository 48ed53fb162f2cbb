// SPDX-License-Identifier: MPL-2.0

// Package config handles optstack configuration using Viper with CUE as the file format.
//
// Configuration is loaded from $XDG_CONFIG_HOME/optstack/config.cue, or from
// config.cue in the working directory when the former does not exist. Every
// value can be overridden through environment variables prefixed with
// OPTSTACK_ (for example OPTSTACK_BUILD_RETRIES=5). Files are validated
// against the embedded #Config schema before they are merged.
package config
