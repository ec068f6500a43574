package policy

import (
	"fmt"
	"time"
)

// Limits are the configured ceilings for one tier.
type Limits struct {
	CPUs         float64
	MemoryBytes  int64
	PIDs         int
	DiskBytes    int64
	Timeout      time.Duration
	MaxTimeout   time.Duration
	GracePeriod  time.Duration
	Monitor      Monitor
	MinIsolation Isolation
}

// Hints carry what the caller told us about a submission.
type Hints struct {
	Language    string
	TimeoutHint time.Duration
	RiskHint    string
}

// Resolver turns hints into a risk tier and a resource policy.
type Resolver struct {
	tiers     map[Tier]Limits
	languages map[string]Tier
}

// NewResolver validates the tier table and returns a Resolver. Every tier
// must be present and grace periods must not grow as risk rises.
func NewResolver(tiers map[Tier]Limits, languages map[string]Tier) (*Resolver, error) {
	order := []Tier{TierLow, TierStandard, TierHigh}
	for _, tier := range order {
		l, ok := tiers[tier]
		if !ok {
			return nil, fmt.Errorf("missing limits for tier %s", tier)
		}
		if l.Timeout <= 0 || l.GracePeriod <= 0 {
			return nil, fmt.Errorf("tier %s: timeout and grace period must be positive", tier)
		}
		if l.MaxTimeout < l.Timeout {
			return nil, fmt.Errorf("tier %s: max timeout %s is below default timeout %s", tier, l.MaxTimeout, l.Timeout)
		}
		if l.MemoryBytes <= 0 || l.PIDs <= 0 || l.CPUs <= 0 || l.DiskBytes <= 0 {
			return nil, fmt.Errorf("tier %s: cpu, memory, pids and disk limits must be positive", tier)
		}
		if l.Monitor.Interval <= 0 {
			return nil, fmt.Errorf("tier %s: monitor interval must be positive", tier)
		}
		if l.MinIsolation == 0 {
			return nil, fmt.Errorf("tier %s: min isolation is required", tier)
		}
	}
	for i := 1; i < len(order); i++ {
		lower, higher := tiers[order[i-1]], tiers[order[i]]
		if higher.GracePeriod > lower.GracePeriod {
			return nil, fmt.Errorf("tier %s grace period %s exceeds tier %s grace period %s",
				order[i], higher.GracePeriod, order[i-1], lower.GracePeriod)
		}
	}

	langs := make(map[string]Tier, len(languages))
	for name, tier := range languages {
		langs[name] = tier
	}
	copied := make(map[Tier]Limits, len(tiers))
	for tier, l := range tiers {
		copied[tier] = l
	}
	return &Resolver{tiers: copied, languages: langs}, nil
}

// Classify derives the risk tier. A hint can raise the language baseline
// but never lower it; unknown languages are treated as high risk.
func (r *Resolver) Classify(h Hints) Tier {
	base, ok := r.languages[h.Language]
	if !ok {
		base = TierHigh
	}
	if h.RiskHint == "" {
		return base
	}
	hinted, err := ParseTier(h.RiskHint)
	if err != nil {
		return TierHigh
	}
	return Max(base, hinted)
}

// Resolve classifies the hints and snapshots the limits for that tier.
func (r *Resolver) Resolve(h Hints) (ResourcePolicy, error) {
	tier := r.Classify(h)
	l, ok := r.tiers[tier]
	if !ok {
		return ResourcePolicy{}, fmt.Errorf("no limits configured for tier %s", tier)
	}

	timeout := l.Timeout
	if h.TimeoutHint > 0 {
		timeout = h.TimeoutHint
		if timeout > l.MaxTimeout {
			timeout = l.MaxTimeout
		}
	}

	return ResourcePolicy{
		Tier:         tier,
		CPUs:         l.CPUs,
		MemoryBytes:  l.MemoryBytes,
		PIDs:         l.PIDs,
		DiskBytes:    l.DiskBytes,
		Network:      NetworkNone,
		Timeout:      timeout,
		GracePeriod:  l.GracePeriod,
		Monitor:      l.Monitor,
		MinIsolation: l.MinIsolation,
	}, nil
}
