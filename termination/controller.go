package termination

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/telemetry"
)

// DefaultForceKillMargin bounds the time between a forced kill and the
// end of teardown.
const DefaultForceKillMargin = 3 * time.Second

// Escalation reasons recorded in the report.
const (
	ReasonGraceExpired  = "grace_expired"
	ReasonEgress        = "egress_detected"
	ReasonForkBurst     = "fork_burst"
	ReasonKillRequested = "kill_requested"
	ReasonShutdown      = "engine_shutdown"
)

// Target is the sandbox side of termination. *sandbox.Provisioner
// implements it.
type Target interface {
	Signal(ctx context.Context, h sandbox.Handle, sig sandbox.Signal) error
	Sample(ctx context.Context, h sandbox.Handle) (evaluation.Usage, error)
	Done(h sandbox.Handle) (<-chan struct{}, error)
	Teardown(ctx context.Context, h sandbox.Handle) error
}

// Request describes one shutdown.
type Request struct {
	EvalID  string
	Handle  sandbox.Handle
	Trigger evaluation.Trigger
	Policy  policy.ResourcePolicy
	// Started is false when the program was never launched; there is then
	// nothing to signal.
	Started bool
	// Escalate, when closed, forces an immediate kill.
	Escalate <-chan struct{}
	// Baseline is the usage seen before the trigger. Nil means the first
	// sample taken during the grace period is the baseline.
	Baseline *evaluation.Usage
}

// Controller runs the shutdown protocol: polite signal, grace period with
// anomaly monitoring, forced kill of the whole tree, then teardown.
type Controller struct {
	logger *zap.Logger
	sink   telemetry.Sink
	margin time.Duration
}

// New creates a Controller.
func New(logger *zap.Logger, sink telemetry.Sink, forceKillMargin time.Duration) *Controller {
	if sink == nil {
		sink = telemetry.Nop
	}
	if forceKillMargin <= 0 {
		forceKillMargin = DefaultForceKillMargin
	}
	return &Controller{logger: logger.Named("termination"), sink: sink, margin: forceKillMargin}
}

// Margin returns the force-kill margin.
func (c *Controller) Margin() time.Duration { return c.margin }

// Terminate shuts the sandbox down and tears it down. It returns within
// grace period + force-kill margin of being called, whatever the sandbox
// does. The returned usage is the high-water mark seen while monitoring.
//
//nolint:gocyclo,funlen // the protocol is one sequence of bounded waits
func (c *Controller) Terminate(ctx context.Context, t Target, req Request) (evaluation.TerminationReport, evaluation.Usage) {
	start := time.Now()
	grace := req.Policy.GracePeriod
	report := evaluation.TerminationReport{Trigger: req.Trigger, GracePeriod: grace}
	var usage evaluation.Usage

	// Nothing below may outlive this deadline.
	deadline := start.Add(grace + c.margin)
	boundCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	log := c.logger.With(zap.String("eval_id", req.EvalID), zap.String("trigger", string(req.Trigger)))

	done, err := t.Done(req.Handle)
	if err != nil {
		done = nil
	}

	graceful := req.Trigger == evaluation.TriggerExit || !req.Started || done == nil
	if req.Trigger == evaluation.TriggerExit {
		report.ExitedGracefully = true
	}

	if !graceful {
		// The polite signal goes out before anything that could block.
		if err := t.Signal(boundCtx, req.Handle, sandbox.SignalTerminate); err != nil {
			log.Warn("terminate signal failed", zap.Error(err))
		}
		c.sink.Emit(telemetry.New(telemetry.EventTerminationSignal, req.EvalID, map[string]any{
			"trigger": string(req.Trigger),
			"signal":  sandbox.SignalTerminate.String(),
		}))

		reason := c.watch(ctx, start.Add(grace), t, req, done, &usage)
		report.GraceUsed = time.Since(start)

		if reason == "" {
			report.ExitedGracefully = true
		} else {
			report.Forced = true
			report.EscalationReason = reason
			log.Warn("escalating to forced kill", zap.String("reason", reason), zap.Duration("grace_used", report.GraceUsed))
			c.sink.Emit(telemetry.New(telemetry.EventTerminationEscalated, req.EvalID, map[string]any{
				"trigger": string(req.Trigger),
				"reason":  reason,
			}))
			if err := t.Signal(boundCtx, req.Handle, sandbox.SignalKill); err != nil {
				log.Warn("kill signal failed", zap.Error(err))
			}
			c.awaitExit(done, c.margin/2, deadline)
		}
	}

	if err := t.Teardown(boundCtx, req.Handle); err != nil {
		report.Leaked = true
		if !errors.Is(err, sandbox.ErrLeaked) {
			log.Error("teardown failed", zap.Error(err))
		}
	} else {
		report.TeardownConfirmed = true
	}
	report.Duration = time.Since(start)

	log.Info("termination completed",
		zap.Bool("forced", report.Forced),
		zap.String("escalation", report.EscalationReason),
		zap.Duration("duration", report.Duration),
		zap.Bool("teardown_confirmed", report.TeardownConfirmed))
	c.sink.Emit(telemetry.New(telemetry.EventTerminationDone, req.EvalID, map[string]any{
		"trigger":            string(req.Trigger),
		"forced":             report.Forced,
		"escalation":         report.EscalationReason,
		"grace_period":       grace,
		"grace_used":         report.GraceUsed,
		"duration":           report.Duration,
		"teardown_confirmed": report.TeardownConfirmed,
	}))
	return report, usage
}

// watch waits out the grace period. It returns "" if the program exited,
// otherwise the reason to escalate. Cancelling parent escalates at once.
// Usage samples arrive from a background poller bounded by the grace
// deadline.
func (c *Controller) watch(parent context.Context, graceEnd time.Time, t Target, req Request, done <-chan struct{}, usage *evaluation.Usage) string {
	graceTimer := time.NewTimer(time.Until(graceEnd))
	defer graceTimer.Stop()

	pollCtx, cancel := context.WithDeadline(context.WithoutCancel(parent), graceEnd)
	defer cancel()
	samples := Poll(pollCtx, t, req.Handle, req.Policy.Monitor.Interval)

	var baseline evaluation.Usage
	seen := req.Baseline != nil
	if seen {
		baseline = *req.Baseline
	}
	for {
		select {
		case <-done:
			return ""
		case <-graceTimer.C:
			return ReasonGraceExpired
		case <-req.Escalate:
			return ReasonKillRequested
		case <-parent.Done():
			return ReasonShutdown
		case sample := <-samples:
			*usage = usage.Max(sample)
			if !seen {
				baseline, seen = sample, true
				continue
			}
			if reason := anomaly(req.Policy.Monitor, baseline, sample); reason != "" {
				return reason
			}
		}
	}
}

// anomaly compares a sample against the usage seen when termination
// began. A zero threshold disables that check.
func anomaly(m policy.Monitor, baseline, sample evaluation.Usage) string {
	if m.NetBytesThreshold > 0 && sample.NetTxBytes-baseline.NetTxBytes > m.NetBytesThreshold {
		return ReasonEgress
	}
	if m.ForkThreshold > 0 && sample.PIDs-baseline.PIDs > m.ForkThreshold {
		return ReasonForkBurst
	}
	return ""
}

func (c *Controller) awaitExit(done <-chan struct{}, wait time.Duration, deadline time.Time) {
	if until := time.Until(deadline); until < wait {
		wait = until
	}
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
}
