package policy

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a risk classification. Higher tiers get stricter limits and
// shorter grace periods.
type Tier int

const (
	TierLow Tier = iota + 1
	TierStandard
	TierHigh
)

// ParseTier parses a tier name as used in configuration and hints.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return TierLow, nil
	case "standard", "":
		return TierStandard, nil
	case "high":
		return TierHigh, nil
	default:
		return 0, fmt.Errorf("unknown risk tier: %q", s)
	}
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierStandard:
		return "standard"
	case TierHigh:
		return "high"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText encodes the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Max returns the stricter of two tiers.
func Max(a, b Tier) Tier {
	if a > b {
		return a
	}
	return b
}

// Isolation ranks sandbox backends by isolation strength.
type Isolation int

const (
	IsolationProcess Isolation = iota + 1
	IsolationContainer
	IsolationHardened
)

// ParseIsolation parses an isolation strength name.
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process":
		return IsolationProcess, nil
	case "container":
		return IsolationContainer, nil
	case "hardened":
		return IsolationHardened, nil
	default:
		return 0, fmt.Errorf("unknown isolation strength: %q", s)
	}
}

func (i Isolation) String() string {
	switch i {
	case IsolationProcess:
		return "process"
	case IsolationContainer:
		return "container"
	case IsolationHardened:
		return "hardened"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

// MarshalText encodes the isolation strength by name.
func (i Isolation) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText decodes an isolation strength name.
func (i *Isolation) UnmarshalText(b []byte) error {
	parsed, err := ParseIsolation(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// NetworkNone is the only network mode untrusted code ever receives.
const NetworkNone = "none"

// Monitor tunes how aggressively the termination controller watches a
// sandbox during its grace period.
type Monitor struct {
	Interval          time.Duration `json:"interval"`
	NetBytesThreshold int64         `json:"net_bytes_threshold"`
	ForkThreshold     int           `json:"fork_threshold"`
}

// ResourcePolicy is the resolved, immutable set of limits for one
// evaluation.
type ResourcePolicy struct {
	Tier         Tier          `json:"tier"`
	CPUs         float64       `json:"cpus"`
	MemoryBytes  int64         `json:"memory_bytes"`
	PIDs         int           `json:"pids"`
	DiskBytes    int64         `json:"disk_bytes"`
	Network      string        `json:"network"`
	Timeout      time.Duration `json:"timeout"`
	GracePeriod  time.Duration `json:"grace_period"`
	Monitor      Monitor       `json:"monitor"`
	MinIsolation Isolation     `json:"min_isolation"`
}
