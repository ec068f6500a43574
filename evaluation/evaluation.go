package evaluation

import (
	"time"

	"github.com/isdmx/evalbox/policy"
)

// Status is the lifecycle state of an evaluation.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning      Status = "running"
	StatusCompleting   Status = "completing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusKilled       Status = "killed"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusKilled:
		return true
	default:
		return false
	}
}

// HoldsSandbox reports whether a live sandbox may exist in this state.
func (s Status) HoldsSandbox() bool {
	switch s {
	case StatusProvisioning, StatusRunning, StatusCompleting:
		return true
	default:
		return false
	}
}

// Trigger is what moved a running evaluation into Completing.
type Trigger string

const (
	TriggerExit         Trigger = "exit"
	TriggerTimeout      Trigger = "timeout"
	TriggerKill         Trigger = "kill"
	TriggerLaunchFailed Trigger = "launch_failed"
	TriggerShutdown     Trigger = "engine_shutdown"
)

// OutcomeStatus classifies how the sandboxed program ended.
type OutcomeStatus string

const (
	OutcomeSuccess OutcomeStatus = "success"
	OutcomeError   OutcomeStatus = "error"
	OutcomeTimeout OutcomeStatus = "timeout"
	OutcomeKilled  OutcomeStatus = "killed"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ExitOutcome is the caller-visible result of execution.
type ExitOutcome struct {
	Status OutcomeStatus `json:"status"`
	Code   int           `json:"code"`
	Reason ReasonCode    `json:"reason,omitempty"`
}

// Submission is a validated request to evaluate code.
type Submission struct {
	Code        []byte
	Language    string
	Priority    bool
	TimeoutHint time.Duration
	RiskHint    string
}

// Evaluation is the unit of work tracked from submission to terminal
// state. Only the lifecycle machine mutates Status and Timestamps.
type Evaluation struct {
	ID          string
	Code        []byte
	Language    string
	Priority    bool
	RiskTier    policy.Tier
	SubmittedAt time.Time
	Policy      policy.ResourcePolicy

	Status     Status
	Trigger    Trigger
	Handle     string
	Backend    string
	Outcome    *ExitOutcome
	Timestamps map[Status]time.Time
}

// Usage is a resource usage sample of a sandbox.
type Usage struct {
	CPUNanos        int64 `json:"cpu_nanos"`
	MemoryPeakBytes int64 `json:"memory_peak_bytes"`
	PIDs            int   `json:"pids"`
	NetTxBytes      int64 `json:"net_tx_bytes"`
	NetRxBytes      int64 `json:"net_rx_bytes"`
}

// Max merges two samples keeping the high-water marks.
func (u Usage) Max(o Usage) Usage {
	if o.CPUNanos > u.CPUNanos {
		u.CPUNanos = o.CPUNanos
	}
	if o.MemoryPeakBytes > u.MemoryPeakBytes {
		u.MemoryPeakBytes = o.MemoryPeakBytes
	}
	if o.PIDs > u.PIDs {
		u.PIDs = o.PIDs
	}
	if o.NetTxBytes > u.NetTxBytes {
		u.NetTxBytes = o.NetTxBytes
	}
	if o.NetRxBytes > u.NetRxBytes {
		u.NetRxBytes = o.NetRxBytes
	}
	return u
}
