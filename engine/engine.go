package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/dispatch"
	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/lifecycle"
	"github.com/isdmx/evalbox/output"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/store"
	"github.com/isdmx/evalbox/telemetry"
	"github.com/isdmx/evalbox/termination"
)

// persistTimeout bounds writing one result, including during shutdown.
const persistTimeout = 10 * time.Second

// Provisioner is the sandbox side of the engine. *sandbox.Provisioner
// implements it.
type Provisioner interface {
	termination.Target
	Supports(language string) bool
	Provision(ctx context.Context, req sandbox.ProvisionRequest) (sandbox.Handle, string, error)
	Start(h sandbox.Handle, stdout, stderr io.Writer) error
	ExitCode(h sandbox.Handle) (int, error)
}

// BackendLister reports isolation backend availability. *sandbox.Runtime
// implements it.
type BackendLister interface {
	AvailableBackends() []sandbox.BackendStatus
}

// Settings are the engine limits taken from configuration.
type Settings struct {
	MaxCodeBytes    int64
	QueueCapacity   int
	Slots           int
	ForceKillMargin time.Duration
	Output          output.Limits
	// SampleInterval is how often resource usage is sampled while the
	// program runs. Zero disables sampling outside of termination.
	SampleInterval time.Duration
}

// DefaultSettings are used for zero fields of the Settings passed to New.
var DefaultSettings = Settings{
	MaxCodeBytes:    64 * 1024,
	QueueCapacity:   64,
	Slots:           4,
	ForceKillMargin: termination.DefaultForceKillMargin,
	Output:          output.Limits{MaxBytes: output.DefaultMaxBytes, MaxLines: output.DefaultMaxLines},
	SampleInterval:  time.Second,
}

// Engine accepts submissions, schedules them onto sandboxes and records
// their results.
type Engine struct {
	logger   *zap.Logger
	sink     telemetry.Sink
	settings Settings

	resolver *policy.Resolver
	prov     Provisioner
	backends BackendLister
	results  store.ResultStore

	machine *lifecycle.Machine
	queue   *dispatch.Queue
	term    *termination.Controller

	mu         sync.Mutex
	collectors map[string]*output.Collector
	stopped    bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
}

// Option defines a functional option for Engine
type Option func(*Engine)

// WithSink sets the event sink shared by the engine and its lifecycle,
// queue and termination components.
func WithSink(sink telemetry.Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// New wires an engine. Start must be called before submissions run.
func New(
	logger *zap.Logger,
	settings Settings,
	resolver *policy.Resolver,
	prov Provisioner,
	backends BackendLister,
	results store.ResultStore,
	opts ...Option,
) (*Engine, error) {
	if resolver == nil || prov == nil || backends == nil || results == nil {
		return nil, fmt.Errorf("engine requires a resolver, provisioner, backend lister and result store")
	}
	settings = withDefaults(settings)

	e := &Engine{
		logger:     logger.Named("engine"),
		sink:       telemetry.Nop,
		settings:   settings,
		resolver:   resolver,
		prov:       prov,
		backends:   backends,
		results:    results,
		collectors: make(map[string]*output.Collector),
	}
	for _, opt := range opts {
		opt(e)
	}

	queue, err := dispatch.New(logger, settings.QueueCapacity, settings.Slots,
		dispatch.WithSink(e.sink),
		dispatch.WithPanicHandler(e.abandon))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch queue: %w", err)
	}
	e.queue = queue
	e.machine = lifecycle.New(logger, lifecycle.WithSink(e.sink))
	e.term = termination.New(logger, e.sink, settings.ForceKillMargin)
	return e, nil
}

func withDefaults(s Settings) Settings {
	d := DefaultSettings
	if s.MaxCodeBytes <= 0 {
		s.MaxCodeBytes = d.MaxCodeBytes
	}
	if s.Slots <= 0 {
		s.Slots = d.Slots
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = d.QueueCapacity
	}
	if s.ForceKillMargin <= 0 {
		s.ForceKillMargin = d.ForceKillMargin
	}
	if s.Output.MaxBytes <= 0 {
		s.Output.MaxBytes = d.Output.MaxBytes
	}
	if s.Output.MaxLines <= 0 {
		s.Output.MaxLines = d.Output.MaxLines
	}
	return s
}

// Start runs the dispatch loop until Stop.
func (e *Engine) Start(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("engine already started")
	}
	if e.stopped {
		return evaluation.ErrEngineStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	go func() {
		defer close(e.loopDone)
		_ = e.queue.Run(ctx, e.supervise)
	}()
	e.logger.Info("engine started",
		zap.Int("slots", e.settings.Slots),
		zap.Int("queue_capacity", e.settings.QueueCapacity))
	return nil
}

// Stop rejects new submissions, fails queued ones with engine_stopped,
// kills running ones and waits for their results to be recorded or for
// ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	cancel, loopDone := e.cancel, e.loopDone
	e.mu.Unlock()

	drained := e.queue.Drain()
	for _, entry := range drained {
		e.failQueued(entry.ID, evaluation.ReasonEngineStopped)
	}

	if cancel != nil {
		cancel()
		<-loopDone
	}

	done := make(chan struct{})
	go func() {
		e.queue.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped", zap.Int("drained", len(drained)))
		return nil
	case <-ctx.Done():
		e.logger.Error("engine stop timed out", zap.Strings("active", e.machine.Active()))
		return fmt.Errorf("failed to stop engine: %w", ctx.Err())
	}
}

// Submit validates and admits a submission. It never blocks on execution.
func (e *Engine) Submit(_ context.Context, sub evaluation.Submission) (string, error) {
	id, err := e.admit(sub)
	if err != nil {
		code := evaluation.CodeOf(err)
		e.logger.Info("submission rejected",
			zap.String("language", sub.Language),
			zap.String("reason", string(code)),
			zap.Error(err))
		e.sink.Emit(telemetry.New(telemetry.EventRejected, "", map[string]any{
			"reason":   string(code),
			"language": sub.Language,
		}))
		return "", err
	}
	return id, nil
}

func (e *Engine) admit(sub evaluation.Submission) (string, error) {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return "", evaluation.ErrEngineStopped
	}

	switch {
	case len(sub.Code) == 0:
		return "", evaluation.NewError(evaluation.ReasonInvalidRequest, errors.New("code is empty"))
	case int64(len(sub.Code)) > e.settings.MaxCodeBytes:
		return "", evaluation.NewError(evaluation.ReasonPayloadTooLarge,
			fmt.Errorf("%d bytes exceeds %d", len(sub.Code), e.settings.MaxCodeBytes))
	case sub.Language == "":
		return "", evaluation.NewError(evaluation.ReasonInvalidRequest, errors.New("language is required"))
	case !e.prov.Supports(sub.Language):
		return "", evaluation.NewError(evaluation.ReasonUnsupportedLanguage, fmt.Errorf("language %q", sub.Language))
	case sub.TimeoutHint < 0:
		return "", evaluation.NewError(evaluation.ReasonInvalidRequest, errors.New("timeout hint is negative"))
	}
	if sub.RiskHint != "" {
		if _, err := policy.ParseTier(sub.RiskHint); err != nil {
			return "", evaluation.NewError(evaluation.ReasonInvalidRequest, err)
		}
	}

	pol, err := e.resolver.Resolve(policy.Hints{
		Language:    sub.Language,
		TimeoutHint: sub.TimeoutHint,
		RiskHint:    sub.RiskHint,
	})
	if err != nil {
		return "", evaluation.NewError(evaluation.ReasonInvalidRequest, err)
	}

	id := evaluation.NewID()
	eval := evaluation.Evaluation{
		ID:          id,
		Code:        append([]byte(nil), sub.Code...),
		Language:    sub.Language,
		Priority:    sub.Priority,
		RiskTier:    pol.Tier,
		SubmittedAt: time.Now(),
		Policy:      pol,
	}
	if err := e.machine.Add(eval); err != nil {
		return "", evaluation.NewError(evaluation.ReasonResourceAllocationFailed, err)
	}
	e.mu.Lock()
	e.collectors[id] = output.NewCollector(e.settings.Output)
	e.mu.Unlock()

	if err := e.queue.Submit(dispatch.Entry{ID: id, Priority: sub.Priority, EnqueuedAt: eval.SubmittedAt}); err != nil {
		e.mu.Lock()
		delete(e.collectors, id)
		e.mu.Unlock()
		if discardErr := e.machine.Discard(id); discardErr != nil {
			e.logger.Error("failed to discard rejected evaluation", zap.String("eval_id", id), zap.Error(discardErr))
		}
		return "", err
	}

	e.logger.Info("evaluation accepted",
		zap.String("eval_id", id),
		zap.String("language", sub.Language),
		zap.Stringer("tier", pol.Tier),
		zap.Bool("priority", sub.Priority),
		zap.Duration("timeout", pol.Timeout))
	e.sink.Emit(telemetry.New(telemetry.EventSubmitted, id, map[string]any{
		"language": sub.Language,
		"tier":     pol.Tier.String(),
		"priority": sub.Priority,
	}))
	return id, nil
}

// Kill requests termination of an evaluation.
func (e *Engine) Kill(ctx context.Context, id string) lifecycle.KillResponse {
	resp := e.machine.RequestKill(id)
	if resp.Reason != evaluation.ReasonNotFound {
		return resp
	}
	if _, err := e.results.Get(ctx, id); err == nil {
		return lifecycle.KillResponse{Reason: evaluation.ReasonAlreadyTerminal}
	}
	return resp
}

// Backends lists isolation backends, strongest first.
func (e *Engine) Backends() []sandbox.BackendStatus {
	return e.backends.AvailableBackends()
}

// QueueStats returns the current queue counters.
func (e *Engine) QueueStats() dispatch.Stats {
	return e.queue.Stats()
}

func (e *Engine) collector(id string) *output.Collector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collectors[id]
}

func (e *Engine) dropCollector(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.collectors, id)
}
