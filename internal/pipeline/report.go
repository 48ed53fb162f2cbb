// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ReportFileName is the build report written after every run.
const ReportFileName = "report.toml"

type (
	// Report is the persisted summary of a pipeline run. It is informational
	// only; nothing reads it back to make build decisions.
	Report struct {
		Stack      string        `toml:"stack"`
		Target     string        `toml:"target"`
		Tag        string        `toml:"tag,omitempty"`
		Artifact   string        `toml:"artifact,omitempty"`
		Success    bool          `toml:"success"`
		Error      string        `toml:"error,omitempty"`
		StartedAt  time.Time     `toml:"started_at"`
		FinishedAt time.Time     `toml:"finished_at"`
		Args       []ResolvedArg `toml:"args"`
		Stages     []StageReport `toml:"stages"`
	}

	// StageReport is one stage in a Report.
	StageReport struct {
		Name      string            `toml:"name"`
		Kind      string            `toml:"kind"`
		State     State             `toml:"state"`
		Image     string            `toml:"image"`
		Key       string            `toml:"key"`
		Cached    bool              `toml:"cached"`
		Duration  string            `toml:"duration,omitempty"`
		Env       map[string]string `toml:"env,omitempty"`
		Transient []string          `toml:"transient,omitempty"`
		Warnings  []string          `toml:"warnings,omitempty"`
		Error     string            `toml:"error,omitempty"`
	}
)

// NewReport summarizes res. runErr is the error Run returned, if any.
func NewReport(res *Result, tag string, runErr error) *Report {
	r := &Report{
		Stack:      res.Plan.Stack.Name,
		Target:     res.Plan.Target,
		Tag:        tag,
		Artifact:   res.Artifact,
		Success:    runErr == nil && res.Succeeded(),
		StartedAt:  res.StartedAt.UTC().Truncate(time.Second),
		FinishedAt: res.FinishedAt.UTC().Truncate(time.Second),
		Args:       res.Plan.Args,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}

	for i, c := range res.Commits {
		sr := StageReport{
			Name:      c.Stage,
			Kind:      string(res.Plan.Stages[i].Stage.Kind),
			State:     c.State,
			Image:     c.Image,
			Key:       c.Key.String(),
			Cached:    c.Cached,
			Env:       c.Env,
			Transient: c.Transient,
		}
		if c.Duration > 0 {
			sr.Duration = c.Duration.Round(time.Millisecond).String()
		}
		for _, w := range c.Warnings {
			sr.Warnings = append(sr.Warnings, w.Error())
		}
		if c.Err != nil {
			sr.Error = c.Err.Error()
		}
		r.Stages = append(r.Stages, sr)
	}
	return r
}

// Write stores the report as TOML at path, creating parent directories.
func (r *Report) Write(path string) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by Write.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &r, nil
}
