// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker or Podman through their command-line
// interfaces.
//
// Engine covers what the provisioning pipeline needs: build an image from a
// Dockerfile, check whether a tag exists, apply a tag, read an image's
// environment and run a throwaway container. DockerEngine and PodmanEngine
// embed BaseCLIEngine, which builds the argument lists and executes the
// binary through an injectable ExecCommandFunc so tests can replace it.
//
// NewEngine selects an engine with fallback to the other one;
// AutoDetectEngine tries Podman first.
package container
