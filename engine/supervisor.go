package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/dispatch"
	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/lifecycle"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/store"
	"github.com/isdmx/evalbox/telemetry"
	"github.com/isdmx/evalbox/termination"
)

// noExitCode is reported when the program never exited on its own.
const noExitCode = -1

// supervise drives one evaluation from its slot to its terminal state. It
// holds the slot until the sandbox is gone and the result is recorded.
//
//nolint:funlen // one linear lifecycle
func (e *Engine) supervise(ctx context.Context, entry dispatch.Entry) {
	id := entry.ID
	log := e.logger.With(zap.String("eval_id", id))

	eval, _, err := e.machine.Snapshot(id)
	if err != nil {
		log.Error("dispatched evaluation is not tracked", zap.Error(err))
		return
	}
	col := e.collector(id)
	if col == nil {
		log.Error("dispatched evaluation has no output collector")
		return
	}

	if err := e.machine.Transition(id, evaluation.StatusProvisioning); err != nil {
		log.Error("failed to enter provisioning", zap.Error(err))
		return
	}

	handle, backend, err := e.prov.Provision(ctx, sandbox.ProvisionRequest{
		EvalID:   id,
		Language: eval.Language,
		Code:     eval.Code,
		Policy:   eval.Policy,
	})
	if err != nil {
		code := evaluation.CodeOf(err)
		if ctx.Err() != nil {
			code = evaluation.ReasonEngineStopped
		}
		log.Warn("provisioning failed", zap.String("reason", string(code)), zap.Error(err))
		e.finish(id, evaluation.StatusFailed, evaluation.ExitOutcome{
			Status: evaluation.OutcomeFailed,
			Code:   noExitCode,
			Reason: code,
		}, nil, evaluation.Usage{})
		return
	}
	if err := e.machine.SetSandbox(id, string(handle), backend); err != nil {
		log.Error("failed to record sandbox", zap.Error(err))
	}
	if err := e.machine.Transition(id, evaluation.StatusRunning); err != nil {
		log.Error("failed to enter running", zap.Error(err))
	}

	kill, escalate, _ := e.machine.Signals(id)
	req := termination.Request{
		EvalID:   id,
		Handle:   handle,
		Policy:   eval.Policy,
		Escalate: escalate,
	}

	// A kill that arrived while queued or provisioning is honored here,
	// before the program ever runs.
	if e.machine.KillPending(id) || isClosed(kill) {
		log.Info("deferred kill honored before start")
		req.Trigger = e.complete(id, evaluation.TriggerKill)
		report, usage := e.term.Terminate(ctx, e.prov, req)
		e.finish(id, statusFor(req.Trigger), outcomeFor(req.Trigger, noExitCode), &report, usage)
		return
	}

	if err := e.prov.Start(handle, col.Stdout(), col.Stderr()); err != nil {
		log.Error("failed to launch program", zap.Error(err))
		req.Trigger = e.complete(id, evaluation.TriggerLaunchFailed)
		report, usage := e.term.Terminate(ctx, e.prov, req)
		e.finish(id, evaluation.StatusFailed, evaluation.ExitOutcome{
			Status: evaluation.OutcomeFailed,
			Code:   noExitCode,
			Reason: evaluation.ReasonResourceAllocationFailed,
		}, &report, usage)
		return
	}
	req.Started = true

	trigger, usage := e.await(ctx, id, handle, eval)
	req.Trigger = trigger
	if usage != (evaluation.Usage{}) {
		req.Baseline = &usage
	}

	exitCode := noExitCode
	if trigger == evaluation.TriggerExit {
		if code, err := e.prov.ExitCode(handle); err == nil {
			exitCode = code
		}
	}

	report, termUsage := e.term.Terminate(ctx, e.prov, req)
	e.finish(id, statusFor(trigger), outcomeFor(trigger, exitCode), &report, usage.Max(termUsage))
}

// await blocks until the program exits, times out, is killed or the
// engine shuts down, and moves the evaluation to Completing. It returns
// the winning trigger and the usage high-water mark while running.
func (e *Engine) await(ctx context.Context, id string, h sandbox.Handle, eval evaluation.Evaluation) (evaluation.Trigger, evaluation.Usage) {
	var usage evaluation.Usage
	kill, _, _ := e.machine.Signals(id)
	done, err := e.prov.Done(h)
	if err != nil {
		return e.complete(id, evaluation.TriggerLaunchFailed), usage
	}

	timeout := time.NewTimer(eval.Policy.Timeout)
	defer timeout.Stop()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	samples := termination.Poll(pollCtx, e.prov, h, e.settings.SampleInterval)

	for {
		select {
		case <-done:
			return e.complete(id, evaluation.TriggerExit), usage
		case <-timeout.C:
			return e.complete(id, evaluation.TriggerTimeout), usage
		case <-kill:
			// RequestKill already moved the evaluation to Completing.
			return evaluation.TriggerKill, usage
		case <-ctx.Done():
			return e.complete(id, evaluation.TriggerShutdown), usage
		case sample := <-samples:
			usage = usage.Max(sample)
		}
	}
}

// complete moves a Running evaluation to Completing. If a kill request won
// the race it returns that trigger instead.
func (e *Engine) complete(id string, trigger evaluation.Trigger) evaluation.Trigger {
	won, err := e.machine.BeginCompleting(id, trigger)
	if err != nil && !errors.Is(err, lifecycle.ErrInvalidTransition) {
		e.logger.Error("failed to enter completing", zap.String("eval_id", id), zap.Error(err))
		return trigger
	}
	if won == "" {
		return trigger
	}
	return won
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func statusFor(t evaluation.Trigger) evaluation.Status {
	switch t {
	case evaluation.TriggerExit:
		return evaluation.StatusCompleted
	case evaluation.TriggerTimeout:
		return evaluation.StatusTimedOut
	case evaluation.TriggerKill, evaluation.TriggerShutdown:
		return evaluation.StatusKilled
	default:
		return evaluation.StatusFailed
	}
}

func outcomeFor(t evaluation.Trigger, exitCode int) evaluation.ExitOutcome {
	switch t {
	case evaluation.TriggerExit:
		if exitCode == 0 {
			return evaluation.ExitOutcome{Status: evaluation.OutcomeSuccess}
		}
		return evaluation.ExitOutcome{Status: evaluation.OutcomeError, Code: exitCode}
	case evaluation.TriggerTimeout:
		return evaluation.ExitOutcome{Status: evaluation.OutcomeTimeout, Code: noExitCode}
	case evaluation.TriggerKill:
		return evaluation.ExitOutcome{Status: evaluation.OutcomeKilled, Code: noExitCode}
	case evaluation.TriggerShutdown:
		return evaluation.ExitOutcome{Status: evaluation.OutcomeKilled, Code: noExitCode, Reason: evaluation.ReasonEngineStopped}
	default:
		return evaluation.ExitOutcome{Status: evaluation.OutcomeFailed, Code: noExitCode, Reason: evaluation.ReasonResourceAllocationFailed}
	}
}

// abandon finalizes an evaluation whose supervisor panicked. Any sandbox
// is torn down and the evaluation fails with resource_allocation_failed.
func (e *Engine) abandon(entry dispatch.Entry, _ any) {
	id := entry.ID
	eval, _, err := e.machine.Snapshot(id)
	if err != nil || eval.Status.IsTerminal() {
		return
	}
	if eval.Handle != "" {
		ctx, cancel := context.WithTimeout(context.Background(), e.settings.ForceKillMargin)
		if err := e.prov.Teardown(ctx, sandbox.Handle(eval.Handle)); err != nil {
			e.logger.Error("teardown after panic failed", zap.String("eval_id", id), zap.Error(err))
		}
		cancel()
	}
	switch eval.Status {
	case evaluation.StatusQueued:
		_ = e.machine.Transition(id, evaluation.StatusProvisioning)
	case evaluation.StatusRunning:
		e.complete(id, evaluation.TriggerLaunchFailed)
	}
	e.finish(id, evaluation.StatusFailed, evaluation.ExitOutcome{
		Status: evaluation.OutcomeFailed,
		Code:   noExitCode,
		Reason: evaluation.ReasonResourceAllocationFailed,
	}, nil, evaluation.Usage{})
}

// failQueued finalizes an evaluation that never left the queue.
func (e *Engine) failQueued(id string, reason evaluation.ReasonCode) {
	if err := e.machine.Transition(id, evaluation.StatusProvisioning); err != nil {
		e.logger.Error("failed to finalize queued evaluation", zap.String("eval_id", id), zap.Error(err))
		return
	}
	e.finish(id, evaluation.StatusFailed, evaluation.ExitOutcome{
		Status: evaluation.OutcomeFailed,
		Code:   noExitCode,
		Reason: reason,
	}, nil, evaluation.Usage{})
}

// finish enters the terminal state, persists the result and evicts the
// evaluation from memory. The sandbox is already torn down.
func (e *Engine) finish(id string, status evaluation.Status, outcome evaluation.ExitOutcome, report *evaluation.TerminationReport, usage evaluation.Usage) {
	log := e.logger.With(zap.String("eval_id", id))

	if err := e.machine.Finish(id, status, outcome); err != nil {
		log.Error("failed to enter terminal state", zap.String("status", string(status)), zap.Error(err))
		return
	}

	eval, transitions, err := e.machine.Snapshot(id)
	if err != nil {
		log.Error("terminal evaluation vanished", zap.Error(err))
		return
	}

	result := evaluation.Result{
		EvalID:      id,
		Language:    eval.Language,
		RiskTier:    eval.RiskTier,
		Backend:     eval.Backend,
		Status:      status,
		Outcome:     outcome,
		Usage:       usage,
		Termination: report,
		SubmittedAt: eval.SubmittedAt,
		FinishedAt:  eval.Timestamps[status],
		Transitions: transitions,
	}
	if started, ok := eval.Timestamps[evaluation.StatusRunning]; ok {
		result.StartedAt = &started
	}
	if col := e.collector(id); col != nil {
		col.Close()
		snap := col.Snapshot()
		result.Stdout = snap.Stdout
		result.Stderr = snap.Stderr
		result.StdoutTruncated = snap.StdoutTruncated
		result.StderrTruncated = snap.StderrTruncated
		result.Truncated = snap.Truncated()
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.results.Save(ctx, result); err != nil && !errors.Is(err, store.ErrExists) {
		// Keep the evaluation in memory so status queries still answer.
		log.Error("failed to persist result", zap.Error(err))
		return
	}

	log.Info("evaluation finished",
		zap.String("status", string(status)),
		zap.String("outcome", string(outcome.Status)),
		zap.Int("exit_code", outcome.Code),
		zap.Bool("truncated", result.Truncated))
	e.sink.Emit(telemetry.New(telemetry.EventResultPersisted, id, map[string]any{
		"status":  string(status),
		"outcome": string(outcome.Status),
	}))

	if err := e.machine.Evict(id); err != nil {
		log.Error("failed to evict evaluation", zap.Error(err))
	}
	e.dropCollector(id)
}
