package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/telemetry"
)

// ErrInvalidTransition is returned when a transition is not allowed from
// the current state, typically because another transition won the race.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrExists is returned when adding an evaluation twice.
var ErrExists = errors.New("evaluation already tracked")

var allowed = map[evaluation.Status][]evaluation.Status{
	evaluation.StatusQueued:       {evaluation.StatusProvisioning},
	evaluation.StatusProvisioning: {evaluation.StatusRunning, evaluation.StatusFailed},
	evaluation.StatusRunning:      {evaluation.StatusCompleting},
	evaluation.StatusCompleting: {
		evaluation.StatusCompleted,
		evaluation.StatusFailed,
		evaluation.StatusTimedOut,
		evaluation.StatusKilled,
	},
}

// CanTransition reports whether from→to is in the transition table.
func CanTransition(from, to evaluation.Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// KillResponse answers a kill request.
type KillResponse struct {
	Accepted bool                  `json:"accepted"`
	Reason   evaluation.ReasonCode `json:"reason,omitempty"`
}

type record struct {
	mu          sync.Mutex
	eval        evaluation.Evaluation
	transitions []evaluation.Transition

	// pendingKill is a kill that arrived before Running.
	pendingKill bool
	kill        chan struct{}
	escalate    chan struct{}
	escalated   bool
}

// Machine is the single writer of evaluation status. Each record is
// guarded by its own mutex so unrelated evaluations never contend.
type Machine struct {
	logger *zap.Logger
	sink   telemetry.Sink
	now    func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

// Option configures a Machine.
type Option func(*Machine)

// WithSink sets the event sink for transitions.
func WithSink(sink telemetry.Sink) Option {
	return func(m *Machine) {
		m.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New creates an empty Machine.
func New(logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		logger:  logger.Named("lifecycle"),
		sink:    telemetry.Nop,
		now:     time.Now,
		records: make(map[string]*record),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add starts tracking an evaluation in the Queued state.
func (m *Machine) Add(e evaluation.Evaluation) error {
	if e.ID == "" {
		return fmt.Errorf("evaluation id is required")
	}
	now := m.now()
	e.Status = evaluation.StatusQueued
	e.Timestamps = map[evaluation.Status]time.Time{evaluation.StatusQueued: now}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	r := &record{
		eval:     e,
		kill:     make(chan struct{}),
		escalate: make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[e.ID]; ok {
		return fmt.Errorf("%s: %w", e.ID, ErrExists)
	}
	m.records[e.ID] = r
	return nil
}

func (m *Machine) get(id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, evaluation.ErrNotFound
	}
	return r, nil
}

// transitionLocked applies from→to. r.mu must be held.
func (m *Machine) transitionLocked(r *record, to evaluation.Status) error {
	from := r.eval.Status
	if !CanTransition(from, to) {
		m.logger.Warn("transition ignored",
			zap.String("eval_id", r.eval.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		m.sink.Emit(telemetry.New(telemetry.EventTransitionIgnored, r.eval.ID, map[string]any{
			"from": string(from),
			"to":   string(to),
		}))
		return fmt.Errorf("%s: %s -> %s: %w", r.eval.ID, from, to, ErrInvalidTransition)
	}

	now := m.now()
	r.eval.Status = to
	r.eval.Timestamps[to] = now
	r.transitions = append(r.transitions, evaluation.Transition{From: from, To: to, At: now})
	if to.IsTerminal() {
		r.eval.Handle = ""
	}

	m.logger.Debug("transition",
		zap.String("eval_id", r.eval.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	m.sink.Emit(telemetry.New(telemetry.EventTransition, r.eval.ID, map[string]any{
		"from": string(from),
		"to":   string(to),
	}))
	return nil
}

// Transition moves an evaluation to the next state. Completing and the
// terminal states have dedicated methods.
func (m *Machine) Transition(id string, to evaluation.Status) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.transitionLocked(r, to)
}

// SetSandbox records the live sandbox while Provisioning.
func (m *Machine) SetSandbox(id, handle, backend string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eval.Status != evaluation.StatusProvisioning {
		return fmt.Errorf("%s: sandbox set in %s: %w", id, r.eval.Status, ErrInvalidTransition)
	}
	r.eval.Handle = handle
	r.eval.Backend = backend
	return nil
}

// BeginCompleting moves Running to Completing with the given trigger. If
// another trigger already won, it returns that trigger together with
// ErrInvalidTransition.
func (m *Machine) BeginCompleting(id string, trigger evaluation.Trigger) (evaluation.Trigger, error) {
	r, err := m.get(id)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.eval.Status == evaluation.StatusCompleting {
		m.logger.Info("completion trigger ignored",
			zap.String("eval_id", id),
			zap.String("trigger", string(trigger)),
			zap.String("winner", string(r.eval.Trigger)))
	}
	if err := m.transitionLocked(r, evaluation.StatusCompleting); err != nil {
		return r.eval.Trigger, err
	}
	r.eval.Trigger = trigger
	return trigger, nil
}

// Finish records the outcome and enters the terminal state.
func (m *Machine) Finish(id string, to evaluation.Status, outcome evaluation.ExitOutcome) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%s: %s is not terminal: %w", id, to, ErrInvalidTransition)
	}
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := m.transitionLocked(r, to); err != nil {
		return err
	}
	r.eval.Outcome = &outcome
	return nil
}

// RequestKill handles an external kill request.
//
// Running: the evaluation moves to Completing with trigger kill and the
// kill channel is closed. Completing after a timeout or shutdown: the
// request is accepted and escalates the in-flight grace period to a forced
// kill, but the outcome keeps the first trigger. Completing after an exit,
// a launch failure or a kill, or any terminal state: already_terminal. Queued or Provisioning: the kill is
// remembered and honored at the next checkpoint (kill_deferred).
func (m *Machine) RequestKill(id string) KillResponse {
	r, err := m.get(id)
	if err != nil {
		return KillResponse{Reason: evaluation.ReasonNotFound}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	status := r.eval.Status
	resp := KillResponse{}
	switch {
	case status == evaluation.StatusRunning:
		if err := m.transitionLocked(r, evaluation.StatusCompleting); err != nil {
			resp.Reason = evaluation.ReasonAlreadyTerminal
			break
		}
		r.eval.Trigger = evaluation.TriggerKill
		close(r.kill)
		resp.Accepted = true
	case status == evaluation.StatusCompleting && escalatable(r.eval.Trigger) && !r.escalated:
		r.escalated = true
		close(r.escalate)
		resp.Accepted = true
	case status == evaluation.StatusQueued || status == evaluation.StatusProvisioning:
		r.pendingKill = true
		resp.Reason = evaluation.ReasonKillDeferred
	default:
		resp.Reason = evaluation.ReasonAlreadyTerminal
	}

	m.logger.Info("kill requested",
		zap.String("eval_id", id),
		zap.String("status", string(status)),
		zap.Bool("accepted", resp.Accepted),
		zap.String("reason", string(resp.Reason)))
	m.sink.Emit(telemetry.New(telemetry.EventKillRequested, id, map[string]any{
		"status":   string(status),
		"accepted": resp.Accepted,
		"reason":   string(resp.Reason),
	}))
	return resp
}

// escalatable reports whether a shutdown started by t has a grace period
// a kill can cut short.
func escalatable(t evaluation.Trigger) bool {
	return t == evaluation.TriggerTimeout || t == evaluation.TriggerShutdown
}

// KillPending reports whether a kill arrived before the evaluation was
// running.
func (m *Machine) KillPending(id string) bool {
	r, err := m.get(id)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingKill
}

// Signals returns the channels closed on an accepted kill while Running
// and on a kill that escalates an in-flight shutdown.
func (m *Machine) Signals(id string) (kill, escalate <-chan struct{}, err error) {
	r, err := m.get(id)
	if err != nil {
		return nil, nil, err
	}
	return r.kill, r.escalate, nil
}

// Snapshot returns a copy of the evaluation and its transition history.
func (m *Machine) Snapshot(id string) (evaluation.Evaluation, []evaluation.Transition, error) {
	r, err := m.get(id)
	if err != nil {
		return evaluation.Evaluation{}, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.eval
	e.Timestamps = make(map[evaluation.Status]time.Time, len(r.eval.Timestamps))
	for k, v := range r.eval.Timestamps {
		e.Timestamps[k] = v
	}
	if r.eval.Outcome != nil {
		o := *r.eval.Outcome
		e.Outcome = &o
	}
	return e, append([]evaluation.Transition(nil), r.transitions...), nil
}

// Evict forgets a terminal evaluation once its result is persisted.
func (m *Machine) Evict(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	terminal := r.eval.Status.IsTerminal()
	r.mu.Unlock()
	if !terminal {
		return fmt.Errorf("%s: cannot evict a live evaluation: %w", id, ErrInvalidTransition)
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

// Discard forgets a Queued evaluation whose admission was rejected after
// Add. Such an evaluation was never accepted and has no result.
func (m *Machine) Discard(id string) error {
	r, err := m.get(id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	queued := r.eval.Status == evaluation.StatusQueued
	r.mu.Unlock()
	if !queued {
		return fmt.Errorf("%s: cannot discard an admitted evaluation: %w", id, ErrInvalidTransition)
	}

	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

// Active lists tracked evaluations that are not terminal, oldest first.
func (m *Machine) Active() []string {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	type entry struct {
		id string
		at time.Time
	}
	var out []entry
	for _, r := range recs {
		r.mu.Lock()
		if !r.eval.Status.IsTerminal() {
			out = append(out, entry{r.eval.ID, r.eval.SubmittedAt})
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].at.Equal(out[j].at) {
			return out[i].id < out[j].id
		}
		return out[i].at.Before(out[j].at)
	})
	ids := make([]string, len(out))
	for i, e := range out {
		ids[i] = e.id
	}
	return ids
}

// Len returns the number of tracked evaluations.
func (m *Machine) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
