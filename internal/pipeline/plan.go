// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"

	"github.com/optstack/optstack/internal/provision"
	"github.com/optstack/optstack/pkg/stackfile"
)

type (
	// StagePlan is one stage ready to build.
	StagePlan struct {
		Stage      *stackfile.Stage
		Dockerfile *provision.Dockerfile
		Key        digest.Digest
		// Image is the content-addressed stage image.
		Image string
		// Env is every binding the stage sees: the ones inherited from
		// ancestors plus its own.
		Env map[string]string
	}

	// Plan is the ordered stage chain for one target with resolved
	// arguments, one entry per declaring stage in chain order. Building it
	// never changes it.
	Plan struct {
		Stack  *stackfile.Stackfile
		Target string
		Stages []*StagePlan
		Args   []ResolvedArg
	}
)

// NewPlan validates the stage registry, resolves arguments against
// overrides and renders every stage from the root down to target. An empty
// target selects the last declared stage.
func NewPlan(sf *stackfile.Stackfile, target string, overrides map[string]string, renderer *provision.Renderer) (*Plan, error) {
	reg, err := NewRegistry(sf)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = sf.Last()
	}
	chain, err := reg.Chain(target)
	if err != nil {
		return nil, err
	}
	perStage, resolved, err := resolveArgs(reg, chain, overrides)
	if err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = provision.NewRenderer(nil)
	}

	plan := &Plan{Stack: sf, Target: target, Args: resolved}

	var (
		parentKey   digest.Digest
		parentImage string
		env         = make(map[string]string)
	)
	for ci, i := range chain {
		st := reg.Stage(i)
		d, err := renderer.Render(provision.Input{
			Stack: sf,
			Stage: st,
			From:  parentImage,
			Args:  perStage[ci],
		})
		if err != nil {
			return nil, err
		}
		if err := provision.Validate(d); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidStackfile, err)
		}

		key, err := StageKey(parentKey, d)
		if err != nil {
			return nil, err
		}

		for k, v := range d.Env {
			env[k] = v
		}
		stageEnv := make(map[string]string, len(env))
		for k, v := range env {
			stageEnv[k] = v
		}

		sp := &StagePlan{
			Stage:      st,
			Dockerfile: d,
			Key:        key,
			Image:      StageTag(st.Name, key),
			Env:        stageEnv,
		}
		plan.Stages = append(plan.Stages, sp)
		parentKey, parentImage = key, sp.Image
	}
	return plan, nil
}

// Final returns the target stage's plan.
func (p *Plan) Final() *StagePlan {
	return p.Stages[len(p.Stages)-1]
}

// Arg returns the value of name at the stage nearest the target that
// declares it.
func (p *Plan) Arg(name string) (string, bool) {
	for i := len(p.Args) - 1; i >= 0; i-- {
		if p.Args[i].Name == name {
			return p.Args[i].Value, true
		}
	}
	return "", false
}
