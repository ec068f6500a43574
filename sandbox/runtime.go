package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/telemetry"
)

// DefaultProbeSchedule re-probes backends twice a minute.
const DefaultProbeSchedule = "@every 30s"

const probeTimeout = 10 * time.Second

// BackendStatus is the last probe result of one backend.
type BackendStatus struct {
	Name      string           `json:"name" yaml:"name"`
	Strength  policy.Isolation `json:"strength" yaml:"strength"`
	Available bool             `json:"available" yaml:"available"`
	Error     string           `json:"error,omitempty" yaml:"error,omitempty"`
	CheckedAt time.Time        `json:"checked_at" yaml:"checked_at"`
}

// Runtime selects a backend for each sandbox. It never picks a backend
// weaker than the policy requires.
type Runtime struct {
	logger   *zap.Logger
	sink     telemetry.Sink
	backends []Backend
	schedule string

	mu     sync.RWMutex
	status map[string]BackendStatus

	cron *cron.Cron
}

// RuntimeOption defines a functional option for Runtime
type RuntimeOption func(*Runtime)

// WithProbeSchedule sets the cron spec used to re-probe backends.
func WithProbeSchedule(spec string) RuntimeOption {
	return func(r *Runtime) {
		r.schedule = spec
	}
}

// WithRuntimeSink sets the event sink for probe results.
func WithRuntimeSink(sink telemetry.Sink) RuntimeOption {
	return func(r *Runtime) {
		r.sink = sink
	}
}

// NewRuntime orders backends strongest first. Backends of equal strength
// keep the order they were given in.
func NewRuntime(logger *zap.Logger, backends []Backend, opts ...RuntimeOption) (*Runtime, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	seen := map[string]bool{}
	for _, b := range backends {
		if seen[b.Name()] {
			return nil, fmt.Errorf("duplicate backend %q", b.Name())
		}
		seen[b.Name()] = true
	}

	ordered := append([]Backend(nil), backends...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Strength() > ordered[j].Strength()
	})

	r := &Runtime{
		logger:   logger.Named("runtime"),
		sink:     telemetry.Nop,
		backends: ordered,
		schedule: DefaultProbeSchedule,
		status:   make(map[string]BackendStatus, len(ordered)),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, b := range ordered {
		r.status[b.Name()] = BackendStatus{Name: b.Name(), Strength: b.Strength(), Error: "not probed"}
	}
	return r, nil
}

// ProbeAll probes every backend and records the results.
func (r *Runtime) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range r.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			r.probe(ctx, b)
		}(b)
	}
	wg.Wait()
}

func (r *Runtime) probe(ctx context.Context, b Backend) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	st := BackendStatus{Name: b.Name(), Strength: b.Strength(), CheckedAt: time.Now()}
	if err := b.Probe(ctx); err != nil {
		st.Error = err.Error()
	} else {
		st.Available = true
	}

	r.mu.Lock()
	prev := r.status[b.Name()]
	r.status[b.Name()] = st
	r.mu.Unlock()

	if prev.Available != st.Available || prev.CheckedAt.IsZero() {
		if st.Available {
			r.logger.Info("backend available", zap.String("backend", st.Name), zap.Stringer("strength", st.Strength))
		} else {
			r.logger.Warn("backend unavailable", zap.String("backend", st.Name), zap.String("error", st.Error))
		}
	}
	r.sink.Emit(telemetry.New(telemetry.EventBackendProbed, "", map[string]any{
		"backend":   st.Name,
		"strength":  st.Strength.String(),
		"available": st.Available,
	}))
}

// AvailableBackends returns every backend's status, strongest first.
func (r *Runtime) AvailableBackends() []BackendStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BackendStatus, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, r.status[b.Name()])
	}
	return out
}

// Create creates the sandbox on the strongest available backend that
// satisfies spec.Policy.MinIsolation.
func (r *Runtime) Create(ctx context.Context, spec Spec) (Instance, string, error) {
	b := r.pick(spec.Policy.MinIsolation)
	if b == nil {
		return nil, "", evaluation.NewError(evaluation.ReasonIsolationUnavailable,
			fmt.Errorf("no available backend with strength >= %s", spec.Policy.MinIsolation))
	}
	inst, err := b.Create(ctx, spec)
	if err != nil {
		return nil, b.Name(), evaluation.NewError(evaluation.ReasonResourceAllocationFailed,
			fmt.Errorf("backend %s: %w", b.Name(), err))
	}
	return inst, b.Name(), nil
}

func (r *Runtime) pick(required policy.Isolation) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Strength() < required {
			// Ordered strongest first, nothing further qualifies.
			return nil
		}
		if r.status[b.Name()].Available {
			return b
		}
	}
	return nil
}

// Start probes all backends and schedules periodic re-probing.
func (r *Runtime) Start(ctx context.Context) error {
	r.ProbeAll(ctx)

	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.ProbeAll(context.Background()) }); err != nil {
		return fmt.Errorf("failed to schedule backend probes: %w", err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return nil
}

// Stop halts periodic probing and waits for a running probe to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
