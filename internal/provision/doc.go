// SPDX-License-Identifier: MPL-2.0

// Package provision turns stackfile stages into container image builds.
//
// A Renderer produces one Dockerfile per stage. The layout depends on the
// stage kind (base, numlib, optlayer) but every Dockerfile follows the same
// shape: FROM the parent image, ARG for each visible build argument, OCI
// labels, the kind-specific RUN steps, copied files, exported environment,
// and finally the purge of transient build tooling.
//
// The LayerProvisioner assembles a build context for a rendered Dockerfile
// and hands it to a container engine:
//
//	df, err := provision.NewRenderer(cfg).Render(provision.Input{Stack: sf, Stage: st, From: parent, Args: args})
//	result, err := provision.NewLayerProvisioner(engine, cfg).Provision(ctx, provision.Request{Dockerfile: df, Tag: tag})
//
// Build progress is marked with "optstack-step=<phase>" lines so that a
// failing build can be attributed to fetch, compile or install.
package provision
