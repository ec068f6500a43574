package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/output"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/store"
)

// StatusView is what a status query returns. For a live evaluation Output
// holds what was captured so far; for a finished one it is the final
// output.
type StatusView struct {
	EvalID        string                        `json:"eval_id"`
	Status        evaluation.Status             `json:"status"`
	Language      string                        `json:"language"`
	RiskTier      policy.Tier                   `json:"risk_tier"`
	Backend       string                        `json:"backend,omitempty"`
	QueuePosition int                           `json:"queue_position,omitempty"`
	SubmittedAt   time.Time                     `json:"submitted_at"`
	StartedAt     *time.Time                    `json:"started_at,omitempty"`
	FinishedAt    *time.Time                    `json:"finished_at,omitempty"`
	Output        output.Snapshot               `json:"output"`
	Truncated     bool                          `json:"truncated"`
	Outcome       *evaluation.ExitOutcome       `json:"exit_outcome,omitempty"`
	Usage         *evaluation.Usage             `json:"usage,omitempty"`
	Termination   *evaluation.TerminationReport `json:"termination,omitempty"`
}

// Status looks an evaluation up in memory first, then in the result store.
func (e *Engine) Status(ctx context.Context, id string) (StatusView, error) {
	if view, ok := e.liveStatus(id); ok && !view.Status.IsTerminal() {
		return view, nil
	}

	r, err := e.results.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Terminal but not yet persisted, or persisting failed.
		if view, ok := e.liveStatus(id); ok {
			return view, nil
		}
		return StatusView{}, evaluation.NewError(evaluation.ReasonNotFound, nil)
	}
	if err != nil {
		return StatusView{}, evaluation.NewError(evaluation.ReasonResourceAllocationFailed,
			fmt.Errorf("failed to read result: %w", err))
	}
	return resultView(r), nil
}

func (e *Engine) liveStatus(id string) (StatusView, bool) {
	eval, _, err := e.machine.Snapshot(id)
	if err != nil {
		return StatusView{}, false
	}
	view := StatusView{
		EvalID:      id,
		Status:      eval.Status,
		Language:    eval.Language,
		RiskTier:    eval.RiskTier,
		Backend:     eval.Backend,
		SubmittedAt: eval.SubmittedAt,
		Outcome:     eval.Outcome,
	}
	if eval.Status == evaluation.StatusQueued {
		if pos, ok := e.queue.Position(id); ok {
			view.QueuePosition = pos
		}
	}
	if t, ok := eval.Timestamps[evaluation.StatusRunning]; ok {
		view.StartedAt = &t
	}
	if t, ok := eval.Timestamps[eval.Status]; ok && eval.Status.IsTerminal() {
		view.FinishedAt = &t
	}
	if col := e.collector(id); col != nil {
		view.Output = col.Snapshot()
		view.Truncated = view.Output.Truncated()
	}
	return view, true
}

func resultView(r evaluation.Result) StatusView {
	outcome := r.Outcome
	usage := r.Usage
	finished := r.FinishedAt
	return StatusView{
		EvalID:      r.EvalID,
		Status:      r.Status,
		Language:    r.Language,
		RiskTier:    r.RiskTier,
		Backend:     r.Backend,
		SubmittedAt: r.SubmittedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  &finished,
		Output: output.Snapshot{
			Stdout:          r.Stdout,
			Stderr:          r.Stderr,
			StdoutTruncated: r.StdoutTruncated,
			StderrTruncated: r.StderrTruncated,
		},
		Truncated:   r.Truncated,
		Outcome:     &outcome,
		Usage:       &usage,
		Termination: r.Termination,
	}
}
