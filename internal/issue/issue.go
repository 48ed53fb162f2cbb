// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/slices"
)

type Id int

const (
	StackfileNotFoundId Id = iota + 1
	StackfileInvalidId
	ContainerEngineNotFoundId
	StageCycleId
	UnknownBuildArgId
	FetchFailedId
	CompileFailedId
	InstallFailedId
	CleanupIncompleteId
	ArtifactNotFoundId
	HarnessFailedId
	ConfigLoadFailedId
)

type (
	MarkdownMsg string

	HttpLink string

	Issue struct {
		id       Id
		mdMsg    MarkdownMsg
		docLinks []HttpLink
	}
)

func (i *Issue) Id() Id {
	return i.id
}

func (i *Issue) MarkdownMsg() MarkdownMsg {
	return i.mdMsg
}

func (i *Issue) DocLinks() []HttpLink {
	return slices.Clone(i.docLinks)
}

// Render renders the issue page for the terminal. stylePath is passed to
// glamour ("dark", "light", "notty" or a JSON style file).
func (i *Issue) Render(stylePath string) (string, error) {
	md := string(i.mdMsg)
	if len(i.docLinks) > 0 {
		var sb strings.Builder
		sb.WriteString(md)
		sb.WriteString("\n\n## See also\n")
		for _, link := range i.docLinks {
			sb.WriteString("- <" + string(link) + ">\n")
		}
		md = sb.String()
	}
	return render(md, stylePath)
}

var (
	render = glamour.Render

	stackfileNotFoundIssue = &Issue{
		id: StackfileNotFoundId,
		mdMsg: `
# No stackfile found!

optstack needs a ` + "`stackfile.cue`" + ` describing the stages to build.

## Things you can try:
- Create the default stack in the current directory:
~~~
$ optstack init
~~~
- Point at an existing file:
~~~
$ optstack build --file path/to/stackfile.cue
~~~`,
	}

	stackfileInvalidIssue = &Issue{
		id: StackfileInvalidId,
		mdMsg: `
# The stackfile is invalid!

Every dependency must be pinned, every stage needs exactly one parent
(except the root) and stage names must be unique.

## Things you can try:
- Pin pip and source packages to an exact version (` + "`3.30.0`" + `, not ` + "`latest`" + ` or ` + "`>=3`" + `)
- Pin ` + "`base_image`" + ` by digest, such as ` + "`ubuntu:22.04@sha256:<hex>`" + `
- Declare ` + "`APT_SNAPSHOT`" + ` in every stage that installs apt packages
- Run ` + "`optstack validate`" + ` to list every problem at once`,
	}

	containerEngineNotFoundIssue = &Issue{
		id: ContainerEngineNotFoundId,
		mdMsg: `
# No container engine available!

optstack builds stages with Docker or Podman and neither responded.

## Things you can try:
- Install Podman or Docker and make sure the daemon/service is running
- Check that your user may talk to the engine:
~~~
$ docker version
$ podman version
~~~
- Select the engine explicitly:
~~~
$ optstack build --engine podman
~~~`,
		docLinks: []HttpLink{"https://podman.io/docs/installation", "https://docs.docker.com/engine/install/"},
	}

	stageCycleIssue = &Issue{
		id: StageCycleId,
		mdMsg: `
# Stage parents form a cycle!

Stages extend exactly one parent and the parent chain must end at the
root stage. A stage that (indirectly) extends itself can never be built.

## Things you can try:
- Inspect the chain with ` + "`optstack stages`" + `
- Make sure exactly one stage has no ` + "`parent`",
	}

	unknownBuildArgIssue = &Issue{
		id: UnknownBuildArgId,
		mdMsg: `
# Unknown build argument!

An override was given for an argument that no stage up to the target declares.

## Things you can try:
- List declared arguments with ` + "`optstack stages`" + `
- Check the spelling of ` + "`--build-arg NAME=value`",
	}

	fetchFailedIssue = &Issue{
		id: FetchFailedId,
		mdMsg: `
# A pinned download failed!

A source archive or package for the pinned version could not be fetched.
The pipeline stopped and no downstream stage ran.

## Things you can try:
- Check that the pinned version exists upstream
- Check network access from the container engine
- Retry: optstack does not retry fetches on its own`,
	}

	compileFailedIssue = &Issue{
		id: CompileFailedId,
		mdMsg: `
# Configure or compile failed!

The numerical library (or a source package) did not build. Nothing was
installed into the prefix and no downstream stage ran.

## Things you can try:
- Re-run with ` + "`--verbose`" + ` to see the full build log
- Build with debugging enabled: ` + "`--build-arg DEBUG=1`" + `
- Reduce parallelism to get a readable log: ` + "`--build-arg JOBS=1`",
	}

	installFailedIssue = &Issue{
		id: InstallFailedId,
		mdMsg: `
# Package installation failed!

The system or Python package manager could not install a requirement.

## Things you can try:
- Check that the package name and version exist for the pinned base image
- Re-run with ` + "`--verbose`" + ` to see the package manager output`,
	}

	cleanupIncompleteIssue = &Issue{
		id: CleanupIncompleteId,
		mdMsg: `
# Transient build tooling was left behind

The stage committed but some build-only packages are still installed. The
artifact works, it is only larger than necessary.

## Things you can try:
- Check the purge step output in the build log
- Make sure the transient package names match what the package manager installed`,
	}

	artifactNotFoundIssue = &Issue{
		id: ArtifactNotFoundId,
		mdMsg: `
# Artifact image not found!

The requested image tag does not exist in the container engine.

## Things you can try:
- Build it first:
~~~
$ optstack build
~~~
- Pass the tag you built with ` + "`--tag`",
	}

	harnessFailedIssue = &Issue{
		id: HarnessFailedId,
		mdMsg: `
# The example harness failed!

The Rosenbrock run inside the artifact exited with an error or printed no result.

## Things you can try:
- Verify the artifact: ` + "`optstack verify`" + `
- Start with a single process: ` + "`optstack example 1 2 31`",
	}

	configLoadFailedIssue = &Issue{
		id: ConfigLoadFailedId,
		mdMsg: `
# Configuration could not be loaded!

## Things you can try:
- Check the CUE syntax of your config file
- Print the effective configuration: ` + "`optstack config show`" + `
- Recreate the default file: ` + "`optstack config init`",
	}

	issues = map[Id]*Issue{
		stackfileNotFoundIssue.Id():       stackfileNotFoundIssue,
		stackfileInvalidIssue.Id():        stackfileInvalidIssue,
		containerEngineNotFoundIssue.Id(): containerEngineNotFoundIssue,
		stageCycleIssue.Id():              stageCycleIssue,
		unknownBuildArgIssue.Id():         unknownBuildArgIssue,
		fetchFailedIssue.Id():             fetchFailedIssue,
		compileFailedIssue.Id():           compileFailedIssue,
		installFailedIssue.Id():           installFailedIssue,
		cleanupIncompleteIssue.Id():       cleanupIncompleteIssue,
		artifactNotFoundIssue.Id():        artifactNotFoundIssue,
		harnessFailedIssue.Id():           harnessFailedIssue,
		configLoadFailedIssue.Id():        configLoadFailedIssue,
	}
)

// Values returns every registered issue ordered by id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(issues))
	for _, i := range issues {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b *Issue) int { return int(a.id) - int(b.id) })
	return out
}

func Get(id Id) *Issue {
	return issues[id]
}
