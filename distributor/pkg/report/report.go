// Package report holds the structured per-unit outcome summary every stage produces.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"time"
)

// Kind classifies a failed unit.
type Kind string

const (
	KindData       Kind = "data"
	KindArithmetic Kind = "arithmetic"
	KindTransport  Kind = "transport"
	KindConflict   Kind = "conflict"
	KindPermanent  Kind = "permanent"
)

// Failure is one unit (validator, claimant or account) that did not complete.
type Failure struct {
	Validator string `json:"validator"`
	Unit      string `json:"unit,omitempty"`
	Kind      Kind   `json:"kind"`
	Reason    string `json:"reason"`
}

// Report is the run-level result. Counts are keyed by terminal outcome name.
type Report struct {
	Stage      string         `json:"stage"`
	RunID      string         `json:"run_id,omitempty"`
	Epoch      uint64         `json:"epoch"`
	DryRun     bool           `json:"dry_run,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Counts     map[string]int `json:"counts"`
	Failures   []Failure      `json:"failures"`
	Passed     bool           `json:"passed"`
}

func New(stage string, epoch uint64, startedAt time.Time) *Report {
	return &Report{
		Stage:     stage,
		Epoch:     epoch,
		StartedAt: startedAt,
		Counts:    make(map[string]int),
		Failures:  []Failure{},
	}
}

// Count records one unit that ended in outcome.
func (r *Report) Count(outcome string) {
	r.Counts[outcome]++
}

// Fail records a failed unit under outcome.
func (r *Report) Fail(outcome string, f Failure) {
	r.Counts[outcome]++
	r.Failures = append(r.Failures, f)
}

// Finish sorts failures, sets the finish time and computes Passed.
func (r *Report) Finish(now time.Time) *Report {
	sort.SliceStable(r.Failures, func(i, j int) bool {
		if r.Failures[i].Validator != r.Failures[j].Validator {
			return r.Failures[i].Validator < r.Failures[j].Validator
		}
		return r.Failures[i].Unit < r.Failures[j].Unit
	})
	r.FinishedAt = now
	r.Passed = len(r.Failures) == 0
	return r
}

// FailuresOf returns the failures of the given kind.
func (r *Report) FailuresOf(kind Kind) []Failure {
	var out []Failure
	for _, f := range r.Failures {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Summary is a one-line rendering of the counts, suitable for logs and notifications.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%s epoch %d:", r.Stage, r.Epoch)
	for _, k := range slices.Sorted(maps.Keys(r.Counts)) {
		s += fmt.Sprintf(" %s=%d", k, r.Counts[k])
	}
	if r.Passed {
		return s + " (passed)"
	}
	return s + fmt.Sprintf(" (%d failed)", len(r.Failures))
}

func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// ExitCode maps the report to the process exit status: 0 when every unit passed, 2 otherwise.
func (r *Report) ExitCode() int {
	if r.Passed {
		return 0
	}
	return 2
}
