// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"strings"

	"github.com/optstack/optstack/internal/dag"
	"github.com/optstack/optstack/pkg/stackfile"
)

// noParent marks the root stage in Registry.parents.
const noParent = -1

// Registry is the validated stage tree. Stages are kept in declaration
// order and refer to their parent by index.
type Registry struct {
	stages  []*stackfile.Stage
	parents []int
	index   map[string]int
	root    int
}

// NewRegistry indexes the stackfile's stages and checks that the parent
// references form a single tree: names are unique, every parent exists,
// exactly one stage has no parent and nothing loops.
func NewRegistry(sf *stackfile.Stackfile) (*Registry, error) {
	if len(sf.Stages) == 0 {
		return nil, fmt.Errorf("%w: no stages", ErrInvalidStackfile)
	}

	r := &Registry{
		stages:  make([]*stackfile.Stage, len(sf.Stages)),
		parents: make([]int, len(sf.Stages)),
		index:   make(map[string]int, len(sf.Stages)),
		root:    noParent,
	}
	for i := range sf.Stages {
		st := &sf.Stages[i]
		if _, dup := r.index[st.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrInvalidStackfile, st.Name)
		}
		r.stages[i] = st
		r.index[st.Name] = i
	}

	var roots []string
	g := dag.New()
	for i, st := range r.stages {
		g.AddNode(st.Name)
		if st.Parent == "" {
			r.parents[i] = noParent
			roots = append(roots, st.Name)
			continue
		}
		p, ok := r.index[st.Parent]
		if !ok {
			return nil, fmt.Errorf("%w: %q (parent of stage %q)", ErrUnknownStage, st.Parent, st.Name)
		}
		r.parents[i] = p
		g.AddEdge(st.Parent, st.Name)
	}

	if _, err := g.TopologicalSort(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCycle, err)
	}
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: want exactly one root stage, found %d (%s)", ErrInvalidStackfile, len(roots), strings.Join(roots, ", "))
	}
	r.root = r.index[roots[0]]
	return r, nil
}

// Len returns the number of stages.
func (r *Registry) Len() int { return len(r.stages) }

// Stage returns the stage at index i.
func (r *Registry) Stage(i int) *stackfile.Stage { return r.stages[i] }

// Parent returns the parent index of stage i, or -1 for the root.
func (r *Registry) Parent(i int) int { return r.parents[i] }

// Root returns the root stage's index.
func (r *Registry) Root() int { return r.root }

// Lookup returns the index of the stage called name.
func (r *Registry) Lookup(name string) (int, error) {
	i, ok := r.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q (known: %s)", ErrUnknownStage, name, strings.Join(r.Names(), ", "))
	}
	return i, nil
}

// Names returns the stage names in declaration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return names
}

// Chain returns the stage indices from the root down to target.
func (r *Registry) Chain(target string) ([]int, error) {
	i, err := r.Lookup(target)
	if err != nil {
		return nil, err
	}
	var chain []int
	for ; i != noParent; i = r.parents[i] {
		chain = append(chain, i)
	}
	for a, b := 0, len(chain)-1; a < b; a, b = a+1, b-1 {
		chain[a], chain[b] = chain[b], chain[a]
	}
	return chain, nil
}

// Children returns the indices of the stages whose parent is i.
func (r *Registry) Children(i int) []int {
	var out []int
	for j, p := range r.parents {
		if p == i {
			out = append(out, j)
		}
	}
	return out
}
