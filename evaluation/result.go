package evaluation

import (
	"time"

	"github.com/isdmx/evalbox/policy"
)

// Transition is one recorded lifecycle step.
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// TerminationReport is the audit record of a shutdown protocol run.
type TerminationReport struct {
	Trigger           Trigger       `json:"trigger"`
	GracePeriod       time.Duration `json:"grace_period"`
	GraceUsed         time.Duration `json:"grace_used"`
	Forced            bool          `json:"forced"`
	EscalationReason  string        `json:"escalation_reason,omitempty"`
	ExitedGracefully  bool          `json:"exited_gracefully"`
	TeardownConfirmed bool          `json:"teardown_confirmed"`
	Leaked            bool          `json:"leaked"`
	Duration          time.Duration `json:"duration"`
}

// Result is the immutable terminal record persisted for every accepted
// evaluation. It is all that remains once the evaluation leaves memory.
type Result struct {
	EvalID          string             `json:"eval_id"`
	Language        string             `json:"language"`
	RiskTier        policy.Tier        `json:"risk_tier"`
	Backend         string             `json:"backend,omitempty"`
	Status          Status             `json:"status"`
	Outcome         ExitOutcome        `json:"exit_outcome"`
	Stdout          string             `json:"stdout"`
	Stderr          string             `json:"stderr"`
	StdoutTruncated bool               `json:"stdout_truncated"`
	StderrTruncated bool               `json:"stderr_truncated"`
	Truncated       bool               `json:"truncated"`
	Usage           Usage              `json:"usage"`
	Termination     *TerminationReport `json:"termination,omitempty"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	FinishedAt      time.Time          `json:"finished_at"`
	Transitions     []Transition       `json:"transitions"`
}
