// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/optstack/optstack/pkg/stackfile"
)

// Build arguments with a fixed meaning in rendered steps. Every compiled
// component receives OPTFLAGS for C, C++ and Fortran, DEBUG selects a
// debugging build and JOBS the parallelism.
const (
	ArgOptFlags = "OPTFLAGS"
	ArgDebug    = "DEBUG"
	ArgJobs     = "JOBS"
)

// Label keys added next to the OCI annotations.
const (
	LabelStage = "io.optstack.stage"
	LabelKind  = "io.optstack.kind"
)

// numlibArch is the PETSC_ARCH used while building in the scratch tree.
// Installs are prefix-based, so descendants see an empty PETSC_ARCH.
const numlibArch = "arch-optstack"

type (
	// Input is everything needed to render one stage.
	Input struct {
		Stack *stackfile.Stackfile
		Stage *stackfile.Stage
		// From is the parent stage image. Empty renders FROM the stack's
		// base image.
		From string
		// Args are the resolved arguments the stage declares, in
		// declaration order. Ancestor arguments are not visible.
		Args []Arg
	}

	// Renderer renders stage Dockerfiles.
	Renderer struct {
		config *Config
	}
)

// NewRenderer creates a Renderer. A nil cfg uses DefaultConfig.
func NewRenderer(cfg *Config) *Renderer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Renderer{config: cfg}
}

// Render produces the Dockerfile of in.Stage.
func (r *Renderer) Render(in Input) (*Dockerfile, error) {
	if in.Stack == nil || in.Stage == nil {
		return nil, fmt.Errorf("render: stack and stage are required")
	}
	st := in.Stage

	from := in.From
	if from == "" {
		from = in.Stack.BaseImage
	}

	d := &Dockerfile{
		Stage:   st.Name,
		From:    from,
		Args:    append([]Arg(nil), in.Args...),
		Env:     make(map[string]string, len(st.Env)),
		Workdir: in.Stack.Workdir,
	}
	for k, v := range st.Env {
		d.Env[k] = v
	}

	b := &stageBuilder{cfg: r.config, in: in, d: d}
	b.transient()

	var err error
	switch st.Kind {
	case stackfile.KindBase:
		b.base()
	case stackfile.KindNumLib:
		err = b.numlib()
	case stackfile.KindOptLayer:
		b.optlayer()
	default:
		err = fmt.Errorf("stage %q: unknown kind %q", st.Name, st.Kind)
	}
	if err != nil {
		return nil, err
	}

	if err := b.files(); err != nil {
		return nil, err
	}
	b.purge()

	if !r.config.NoLabels {
		d.Labels = b.labels()
	}
	return d, nil
}

type stageBuilder struct {
	cfg *Config
	in  Input
	d   *Dockerfile
}

func marker(phase Phase, subject string) string {
	return fmt.Sprintf("printf '%s%%s %%s\\n' %s %s", StepMarker, phase, shellQuote(subject))
}

func (b *stageBuilder) python() string {
	if py := b.in.Stack.Harness.Python; py != "" {
		return py
	}
	return "python3"
}

func (b *stageBuilder) hasArg(name string) bool {
	_, ok := b.d.ArgValue(name)
	return ok
}

// TransientListPath is where a stage records the transient packages it
// actually installed.
func TransientListPath(stateDir, stage string) string {
	return path.Join(stateDir, stage+".transient")
}

// PurgeFailedPath is the marker a stage leaves when its purge failed.
func PurgeFailedPath(stateDir, stage string) string {
	return path.Join(stateDir, stage+".purge-failed")
}

// needsFetch reports whether the stage downloads source archives.
func (b *stageBuilder) needsFetch() bool {
	return b.in.Stage.Kind == stackfile.KindNumLib || len(b.in.Stage.PackagesBy(stackfile.MethodSource)) > 0
}

// transient installs build-only packages that are not already present and
// records the ones it installed, so the purge never removes packages owned
// by an ancestor stage.
func (b *stageBuilder) transient() {
	pkgs := b.in.Stage.TransientSet()
	if b.needsFetch() && b.cfg.FetchTool != "" && !contains(pkgs, b.cfg.FetchTool) {
		pkgs = append(pkgs, b.cfg.FetchTool)
	}
	b.d.Transient = pkgs
	if len(pkgs) == 0 {
		return
	}

	list := TransientListPath(b.cfg.StateDir, b.d.Stage)
	cmds := []string{
		marker(PhaseInstall, "transient"),
		"mkdir -p " + b.cfg.StateDir,
		": > " + list,
		fmt.Sprintf("for p in %s; do %s || echo \"$p\" >> %s; done", quoteAll(pkgs), installedCheck(`"$p"`), list),
	}
	cmds = append(cmds, b.aptUpdate()...)
	cmds = append(cmds,
		"apt-get install -y --no-install-recommends $(cat "+list+")",
		"rm -rf /var/lib/apt/lists/*",
	)
	b.d.Steps = append(b.d.Steps, Step{Phase: PhaseInstall, Strict: true, Commands: cmds})
}

// snapshotSources rewrites every Ubuntu archive URL in the apt sources to
// the snapshot named by APT_SNAPSHOT.
const snapshotSources = `for f in /etc/apt/sources.list /etc/apt/sources.list.d/*.list /etc/apt/sources.list.d/*.sources; do ` +
	`if [ -f "$f" ]; then sed -i -E 's#https?://([a-z]+\.)?(archive|security|ports)\.ubuntu\.com/(ubuntu-ports|ubuntu)/?#http://snapshot.ubuntu.com/\3/'"$APT_SNAPSHOT"'/#g' "$f"; fi; done`

// aptUpdate refreshes the package index, from the archive snapshot when the
// stage declares APT_SNAPSHOT. Without a snapshot apt installs whatever the
// live archive serves that day.
func (b *stageBuilder) aptUpdate() []string {
	if !b.hasArg(stackfile.AptSnapshotArg) {
		return []string{"apt-get update"}
	}
	return []string{snapshotSources, "apt-get -o Acquire::Check-Valid-Until=false update"}
}

func installedCheck(pkg string) string {
	return "dpkg-query -W -f='${Status}' " + pkg + " 2>/dev/null | grep -q 'ok installed'"
}

// base installs system packages and the baseline Python packages.
func (b *stageBuilder) base() {
	b.systemPackages()
	b.pipPackages()
}

func (b *stageBuilder) systemPackages() {
	sys := b.in.Stage.PackagesBy(stackfile.MethodSystem)
	if len(sys) == 0 {
		return
	}
	specs := make([]string, len(sys))
	for i, p := range sys {
		specs[i] = p.Spec()
	}
	cmds := []string{marker(PhaseInstall, "system")}
	cmds = append(cmds, b.aptUpdate()...)
	cmds = append(cmds,
		"apt-get install -y --no-install-recommends "+quoteAll(specs),
		"rm -rf /var/lib/apt/lists/*",
	)
	b.d.Steps = append(b.d.Steps, Step{Phase: PhaseInstall, Strict: true, Commands: cmds})
}

func (b *stageBuilder) pipPackages() {
	pips := b.in.Stage.PackagesBy(stackfile.MethodPip)
	if len(pips) == 0 {
		return
	}
	specs := make([]string, len(pips))
	for i, p := range pips {
		specs[i] = p.Spec()
	}
	b.d.Steps = append(b.d.Steps, Step{
		Phase:  PhaseInstall,
		Strict: true,
		Commands: []string{
			marker(PhaseInstall, "pip"),
			b.python() + " -m pip install --no-cache-dir " + PipPinnedFlags + " " + quoteAll(specs),
			b.python() + " -m pip check",
		},
	})
}

// PipPinnedFlags make pip install exactly the listed requirements. The
// stage lists the whole dependency closure and "pip check" verifies it.
const PipPinnedFlags = "--no-deps --no-build-isolation"

// compilerEnv exports the optimization flags and parallelism for source
// builds driven by generic build systems.
func (b *stageBuilder) compilerEnv() []string {
	var exports []string
	if b.hasArg(ArgOptFlags) {
		exports = append(exports, `CFLAGS="$OPTFLAGS"`, `CXXFLAGS="$OPTFLAGS"`, `FFLAGS="$OPTFLAGS"`, `FCFLAGS="$OPTFLAGS"`)
	}
	exports = append(exports, `MAKEFLAGS="-j${JOBS:-1}"`)
	return []string{"export " + strings.Join(exports, " ")}
}

func (b *stageBuilder) fetch(subject, url, workDir string) []string {
	archive := path.Join(workDir, "src.tar.gz")
	src := path.Join(workDir, "src")

	var download string
	switch b.cfg.FetchTool {
	case "curl":
		download = fmt.Sprintf("curl -fsSL -o %s %s", archive, shellQuote(url))
	default:
		download = fmt.Sprintf("wget -q -O %s %s", archive, shellQuote(url))
	}

	return []string{
		marker(PhaseFetch, subject),
		"rm -rf " + workDir,
		"mkdir -p " + src,
		download,
		marker(PhaseExtract, subject),
		fmt.Sprintf("tar -xzf %s -C %s --strip-components=1", archive, src),
		"rm -f " + archive,
		"cd " + src,
	}
}

// numlib fetches, configures, compiles and installs the numerical library
// in a single strict step, then exports its prefix.
func (b *stageBuilder) numlib() error {
	st := b.in.Stage
	nl := st.NumLib
	if nl == nil {
		return fmt.Errorf("stage %q: numlib block is required", st.Name)
	}
	version, ok := b.d.ArgValue(nl.VersionArg)
	if !ok || version == "" {
		return fmt.Errorf("stage %q: version argument %s is not resolved", st.Name, nl.VersionArg)
	}

	url := strings.ReplaceAll(nl.URL, "{version}", version)
	workDir := path.Join(b.cfg.BuildRoot, st.Name)
	srcDir := path.Join(workDir, "src")

	configure := []string{
		"./configure",
		"--prefix=" + nl.Prefix,
		"PETSC_ARCH=" + numlibArch,
		"--with-scalar-type=" + string(nl.ScalarType),
	}
	if b.hasArg(ArgDebug) {
		configure = append(configure, `--with-debugging="$DEBUG"`)
	}
	if b.hasArg(ArgOptFlags) {
		configure = append(configure, `COPTFLAGS="$OPTFLAGS"`, `CXXOPTFLAGS="$OPTFLAGS"`, `FOPTFLAGS="$OPTFLAGS"`)
	}
	for _, sp := range stackfile.SortedSubpackages(nl.Subpackages) {
		configure = append(configure, sp.ConfigureFlag())
	}
	for _, opt := range nl.ConfigureOptions {
		configure = append(configure, shellQuote(opt))
	}

	makeVars := fmt.Sprintf("PETSC_DIR=%s PETSC_ARCH=%s", srcDir, numlibArch)

	cmds := b.fetch(st.Name, url, workDir)
	cmds = append(cmds,
		marker(PhaseConfigure, st.Name),
		strings.Join(configure, " "),
		marker(PhaseCompile, st.Name),
		fmt.Sprintf(`make %s MAKE_NP="${JOBS:-1}" all`, makeVars),
		marker(PhaseInstall, st.Name),
		fmt.Sprintf("make %s install", makeVars),
		"test -d "+path.Join(nl.Prefix, "lib"),
		"cd /",
		"rm -rf "+workDir,
	)
	b.d.Steps = append(b.d.Steps, Step{Phase: PhaseCompile, Strict: true, Commands: cmds})

	exportVar := nl.ExportVar
	if exportVar == "" {
		exportVar = "PETSC_DIR"
	}
	b.d.Env[exportVar] = nl.Prefix
	b.d.Env["PETSC_ARCH"] = ""
	return nil
}

// optlayer installs binary wheels and then builds each source requirement
// against the inherited numerical library environment.
func (b *stageBuilder) optlayer() {
	b.systemPackages()
	b.pipPackages()
	for _, p := range b.in.Stage.PackagesBy(stackfile.MethodSource) {
		b.sourceBuild(p)
	}
}

func (b *stageBuilder) sourceBuild(p stackfile.Requirement) {
	workDir := path.Join(b.cfg.BuildRoot, b.d.Stage, p.Name)

	cmds := b.compilerEnv()
	cmds = append(cmds, b.fetch(p.Name, p.SourceURL(), workDir)...)
	cmds = append(cmds, marker(PhaseCompile, p.Name))
	cmds = append(cmds, p.Build...)
	cmds = append(cmds, b.python()+" -m pip check", "cd /", "rm -rf "+workDir)

	b.d.Steps = append(b.d.Steps, Step{Phase: PhaseCompile, Strict: true, Commands: cmds})
}

// files resolves stage files inside the stackfile directory. A source that
// escapes the directory through ".." or symlinks is confined to it.
func (b *stageBuilder) files() error {
	if len(b.in.Stage.Files) == 0 {
		return nil
	}
	root := b.in.Stack.Dir()
	for _, f := range b.in.Stage.Files {
		host, err := securejoin.SecureJoin(root, f.Src)
		if err != nil {
			return fmt.Errorf("stage %q: resolve file %s: %w", b.d.Stage, f.Src, err)
		}
		rel, err := filepath.Rel(root, host)
		if err != nil {
			return fmt.Errorf("stage %q: resolve file %s: %w", b.d.Stage, f.Src, err)
		}
		b.d.Files = append(b.d.Files, ContextFile{
			HostPath:    host,
			ContextPath: path.Join("files", b.d.Stage, filepath.ToSlash(rel)),
			Dest:        f.Dest,
			Mode:        f.Mode,
		})
	}
	return nil
}

// purge removes the transient packages the stage recorded. A failing purge
// leaves a marker instead of failing the build.
func (b *stageBuilder) purge() {
	if len(b.d.Transient) == 0 {
		return
	}
	list := TransientListPath(b.cfg.StateDir, b.d.Stage)
	failed := PurgeFailedPath(b.cfg.StateDir, b.d.Stage)
	b.d.Purge = &Step{
		Phase: PhaseCleanup,
		Commands: []string{
			marker(PhaseCleanup, b.d.Stage),
			fmt.Sprintf("if [ -s %s ]; then apt-get purge -y --auto-remove $(cat %s) || cp %s %s; fi", list, list, list, failed),
			"rm -rf /var/lib/apt/lists/* " + path.Join(b.cfg.BuildRoot, b.d.Stage),
		},
	}
}

func (b *stageBuilder) labels() map[string]string {
	st := b.in.Stage
	labels := map[string]string{
		v1.AnnotationTitle:         b.in.Stack.Name + "/" + st.Name,
		v1.AnnotationBaseImageName: b.d.From,
		LabelStage:                 st.Name,
		LabelKind:                  string(st.Kind),
	}
	if st.Description != "" {
		labels[v1.AnnotationDescription] = st.Description
	}
	if st.NumLib != nil {
		if v, ok := b.d.ArgValue(st.NumLib.VersionArg); ok {
			labels[v1.AnnotationVersion] = v
		}
	}
	return labels
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// VerifyScript returns a shell script that reports, one per line, a
// "purge-failed" marker and every "leftover <package>" the stage failed to
// remove. It prints nothing for a clean stage.
func VerifyScript(stateDir, stage string) string {
	list := TransientListPath(stateDir, stage)
	return strings.Join([]string{
		fmt.Sprintf("if [ -f %s ]; then echo purge-failed; fi", PurgeFailedPath(stateDir, stage)),
		fmt.Sprintf("for p in $(cat %s 2>/dev/null); do if %s; then echo \"leftover $p\"; fi; done", list, installedCheck(`"$p"`)),
		"true",
	}, "\n")
}

// ParseVerifyOutput splits VerifyScript output into the purge-failed flag
// and the leftover packages.
func ParseVerifyOutput(out string) (purgeFailed bool, leftovers []string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "purge-failed":
			purgeFailed = true
		case strings.HasPrefix(line, "leftover "):
			leftovers = append(leftovers, strings.TrimPrefix(line, "leftover "))
		}
	}
	return purgeFailed, leftovers
}
