// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"io"
	"sort"

	digest "github.com/opencontainers/go-digest"

	"github.com/optstack/optstack/internal/provision"
)

// StageImagePrefix is the repository prefix of stage images.
const StageImagePrefix = "optstack-stage/"

// keyTagLength is how many hex characters of the key end up in the tag.
const keyTagLength = 12

// StageKey digests everything a stage build depends on: the parent's key,
// the rendered Dockerfile, the contents of copied files and the resolved
// arguments. Equal inputs give equal keys.
func StageKey(parent digest.Digest, d *provision.Dockerfile) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	h := digester.Hash()

	write := func(format string, args ...any) {
		_, _ = fmt.Fprintf(h, format, args...) // hash.Hash writes never fail
	}

	write("parent:%s\n", parent)
	write("dockerfile:%d\n", len(d.String()))
	_, _ = io.WriteString(h, d.String())

	for _, f := range d.Files {
		sum, err := provision.HashFile(f.HostPath)
		if err != nil {
			return "", fmt.Errorf("stage %q: hash %s: %w", d.Stage, f.HostPath, err)
		}
		write("file:%s:%s:%s:%s\n", f.ContextPath, f.Dest, f.Mode, sum)
	}

	args := d.BuildArgs()
	names := make([]string, 0, len(args))
	for n := range args {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		write("arg:%s=%q\n", n, args[n])
	}

	return digester.Digest(), nil
}

// StageTag is the image tag of a stage with the given key.
func StageTag(stage string, key digest.Digest) string {
	enc := key.Encoded()
	if len(enc) > keyTagLength {
		enc = enc[:keyTagLength]
	}
	return StageImagePrefix + stage + ":" + enc
}
