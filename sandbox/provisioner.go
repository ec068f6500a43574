package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/telemetry"
)

// Handle is the opaque reference to a provisioned sandbox.
type Handle string

// ErrUnknownHandle is returned for handles that were never provisioned or
// were already torn down.
var ErrUnknownHandle = errors.New("unknown sandbox handle")

// ErrLeaked is returned by Teardown when destruction could not be
// confirmed. The provisioner keeps retrying in the background.
var ErrLeaked = errors.New("sandbox teardown not confirmed")

// Creator creates sandbox instances. *Runtime implements it.
type Creator interface {
	Create(ctx context.Context, spec Spec) (Instance, string, error)
}

// RetryPolicy controls background teardown retries of leaked sandboxes.
type RetryPolicy struct {
	Initial  time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultRetryPolicy retries for a little over a minute.
var DefaultRetryPolicy = RetryPolicy{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Attempts: 8}

// Delay returns the wait before the given retry attempt (1-based):
// Initial doubled per attempt, capped at Max.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// ProvisionRequest asks for one sandbox.
type ProvisionRequest struct {
	EvalID   string
	Language string
	Code     []byte
	Policy   policy.ResourcePolicy
}

// Leak is an outstanding sandbox whose teardown could not be confirmed.
type Leak struct {
	Handle    Handle    `json:"handle"`
	EvalID    string    `json:"eval_id"`
	Backend   string    `json:"backend"`
	Since     time.Time `json:"since"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Escalated bool      `json:"escalated"`
}

type liveSandbox struct {
	handle  Handle
	evalID  string
	backend string
	inst    Instance
	dir     string
	leak    *Leak
}

// Provisioner builds sandboxes and is the sole owner of their handles.
type Provisioner struct {
	logger    *zap.Logger
	sink      telemetry.Sink
	creator   Creator
	fs        FileSystem
	workRoot  string
	languages map[string]Language
	retry     RetryPolicy

	mu   sync.Mutex
	live map[Handle]*liveSandbox

	retryCtx    context.Context
	retryCancel context.CancelFunc
	wg          sync.WaitGroup
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithFileSystem sets the FileSystem used for code and scratch dirs.
func WithFileSystem(fs FileSystem) ProvisionerOption {
	return func(p *Provisioner) {
		p.fs = fs
	}
}

// WithRetryPolicy sets the background teardown retry policy.
func WithRetryPolicy(r RetryPolicy) ProvisionerOption {
	return func(p *Provisioner) {
		p.retry = r
	}
}

// WithProvisionerSink sets the event sink.
func WithProvisionerSink(sink telemetry.Sink) ProvisionerOption {
	return func(p *Provisioner) {
		p.sink = sink
	}
}

// WithWorkRoot sets the parent directory of per-evaluation directories.
func WithWorkRoot(dir string) ProvisionerOption {
	return func(p *Provisioner) {
		p.workRoot = dir
	}
}

// NewProvisioner creates a provisioner for the given languages.
func NewProvisioner(logger *zap.Logger, creator Creator, languages map[string]Language, opts ...ProvisionerOption) (*Provisioner, error) {
	langs := make(map[string]Language, len(languages))
	for name, lang := range languages {
		if lang.Name == "" {
			lang.Name = name
		}
		if err := lang.validate(); err != nil {
			return nil, err
		}
		langs[name] = lang
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provisioner{
		logger:      logger.Named("provisioner"),
		sink:        telemetry.Nop,
		creator:     creator,
		fs:          &RealFileSystem{},
		languages:   langs,
		retry:       DefaultRetryPolicy,
		live:        make(map[Handle]*liveSandbox),
		retryCtx:    ctx,
		retryCancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Supports reports whether a language is configured.
func (p *Provisioner) Supports(language string) bool {
	_, ok := p.languages[language]
	return ok
}

// Provision writes the code into a read-only directory and creates a
// sandbox for it. On any failure everything created so far is removed.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (Handle, string, error) {
	lang, ok := p.languages[req.Language]
	if !ok {
		return "", "", evaluation.NewError(evaluation.ReasonUnsupportedLanguage, fmt.Errorf("language %q", req.Language))
	}

	dir, err := p.fs.MkdirTemp(p.workRoot, "evalbox-"+req.EvalID+"-")
	if err != nil {
		return "", "", allocationFailed("failed to create sandbox dir", err)
	}
	cleanup := func() {
		if rmErr := p.fs.RemoveAll(dir); rmErr != nil {
			p.logger.Error("failed to remove sandbox dir", zap.String("path", dir), zap.Error(rmErr))
		}
	}

	codeDir := filepath.Join(dir, "code")
	scratchDir := filepath.Join(dir, "scratch")
	if err := p.prepareDirs(codeDir, scratchDir, lang.FileName, req.Code); err != nil {
		cleanup()
		return "", "", allocationFailed("failed to prepare sandbox dirs", err)
	}

	spec := Spec{
		Name:       "evalbox-" + req.EvalID,
		EvalID:     req.EvalID,
		Language:   lang,
		CodeDir:    codeDir,
		ScratchDir: scratchDir,
		Policy:     req.Policy,
	}
	inst, backend, err := p.creator.Create(ctx, spec)
	if err != nil {
		cleanup()
		var evalErr *evaluation.Error
		if errors.As(err, &evalErr) {
			return "", backend, err
		}
		return "", backend, allocationFailed("failed to create sandbox", err)
	}

	h := Handle(spec.Name)
	p.mu.Lock()
	p.live[h] = &liveSandbox{handle: h, evalID: req.EvalID, backend: backend, inst: inst, dir: dir}
	p.mu.Unlock()

	p.logger.Info("sandbox created",
		zap.String("eval_id", req.EvalID),
		zap.String("backend", backend),
		zap.Stringer("tier", req.Policy.Tier))
	p.sink.Emit(telemetry.New(telemetry.EventSandboxCreated, req.EvalID, map[string]any{
		"backend": backend,
		"handle":  string(h),
	}))
	return h, backend, nil
}

func (p *Provisioner) prepareDirs(codeDir, scratchDir, fileName string, code []byte) error {
	if err := p.fs.MkdirAll(codeDir, DirPermission); err != nil {
		return err
	}
	if err := p.fs.WriteFile(filepath.Join(codeDir, fileName), code, ReadOnlyFile); err != nil {
		return err
	}
	if err := p.fs.Chmod(codeDir, ReadOnlyDir); err != nil {
		return err
	}
	if err := p.fs.MkdirAll(scratchDir, DirPermission); err != nil {
		return err
	}
	return p.fs.Chmod(scratchDir, ScratchPermission)
}

func allocationFailed(msg string, err error) error {
	return evaluation.NewError(evaluation.ReasonResourceAllocationFailed, fmt.Errorf("%s: %w", msg, err))
}

func (p *Provisioner) get(h Handle) (*liveSandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sb, ok := p.live[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return sb, nil
}

// Start launches the sandboxed program, streaming its output.
func (p *Provisioner) Start(h Handle, stdout, stderr io.Writer) error {
	sb, err := p.get(h)
	if err != nil {
		return err
	}
	return sb.inst.Start(stdout, stderr)
}

// Done is closed when the sandboxed program exits.
func (p *Provisioner) Done(h Handle) (<-chan struct{}, error) {
	sb, err := p.get(h)
	if err != nil {
		return nil, err
	}
	return sb.inst.Done(), nil
}

// ExitCode is valid once Done is closed.
func (p *Provisioner) ExitCode(h Handle) (int, error) {
	sb, err := p.get(h)
	if err != nil {
		return 0, err
	}
	return sb.inst.ExitCode(), nil
}

func (p *Provisioner) Signal(ctx context.Context, h Handle, sig Signal) error {
	sb, err := p.get(h)
	if err != nil {
		return err
	}
	return sb.inst.Signal(ctx, sig)
}

func (p *Provisioner) Sample(ctx context.Context, h Handle) (evaluation.Usage, error) {
	sb, err := p.get(h)
	if err != nil {
		return evaluation.Usage{}, err
	}
	return sb.inst.Sample(ctx)
}

// Teardown destroys the sandbox and removes its directories. Tearing down
// an unknown or already destroyed handle is a no-op. When destruction
// fails the sandbox is recorded as leaked, retried in the background, and
// ErrLeaked is returned.
func (p *Provisioner) Teardown(ctx context.Context, h Handle) error {
	p.mu.Lock()
	sb, ok := p.live[h]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if sb.leak != nil {
		p.mu.Unlock()
		return ErrLeaked
	}
	p.mu.Unlock()

	err := sb.inst.Destroy(ctx)
	if err == nil {
		p.release(sb)
		return nil
	}

	p.mu.Lock()
	if sb.leak != nil {
		// A concurrent teardown already recorded the leak.
		p.mu.Unlock()
		return ErrLeaked
	}
	sb.leak = &Leak{
		Handle:    h,
		EvalID:    sb.evalID,
		Backend:   sb.backend,
		Since:     time.Now(),
		LastError: err.Error(),
	}
	p.mu.Unlock()

	p.logger.Error("sandbox teardown failed",
		zap.String("eval_id", sb.evalID),
		zap.String("backend", sb.backend),
		zap.Error(err))
	p.sink.Emit(telemetry.New(telemetry.EventSandboxLeaked, sb.evalID, map[string]any{
		"backend": sb.backend,
		"handle":  string(h),
		"error":   err.Error(),
	}))

	p.wg.Add(1)
	go p.retryTeardown(sb)
	return fmt.Errorf("%w: %v", ErrLeaked, err)
}

func (p *Provisioner) release(sb *liveSandbox) {
	p.mu.Lock()
	_, present := p.live[sb.handle]
	delete(p.live, sb.handle)
	p.mu.Unlock()
	if !present {
		return
	}
	if err := p.fs.RemoveAll(sb.dir); err != nil {
		p.logger.Error("failed to remove sandbox dir", zap.String("path", sb.dir), zap.Error(err))
	}
	p.sink.Emit(telemetry.New(telemetry.EventSandboxDestroyed, sb.evalID, map[string]any{
		"backend": sb.backend,
		"handle":  string(sb.handle),
	}))
}

func (p *Provisioner) retryTeardown(sb *liveSandbox) {
	defer p.wg.Done()

	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		timer := time.NewTimer(p.retry.Delay(attempt))
		select {
		case <-p.retryCtx.Done():
			timer.Stop()
			p.logger.Warn("leaked sandbox retry abandoned on shutdown", zap.String("eval_id", sb.evalID))
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(p.retryCtx, time.Minute)
		err := sb.inst.Destroy(ctx)
		cancel()

		p.mu.Lock()
		sb.leak.Attempts = attempt
		if err != nil {
			sb.leak.LastError = err.Error()
		}
		p.mu.Unlock()

		if err == nil {
			p.logger.Info("leaked sandbox destroyed", zap.String("eval_id", sb.evalID), zap.Int("attempt", attempt))
			p.sink.Emit(telemetry.New(telemetry.EventSandboxLeakCleared, sb.evalID, map[string]any{
				"backend":  sb.backend,
				"attempts": attempt,
			}))
			p.release(sb)
			return
		}
		p.logger.Warn("leaked sandbox retry failed",
			zap.String("eval_id", sb.evalID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	p.mu.Lock()
	sb.leak.Escalated = true
	lastErr := sb.leak.LastError
	p.mu.Unlock()

	p.logger.Error("leaked sandbox requires operator action",
		zap.String("eval_id", sb.evalID),
		zap.String("backend", sb.backend),
		zap.String("handle", string(sb.handle)),
		zap.String("error", lastErr))
	p.sink.Emit(telemetry.New(telemetry.EventLeakEscalated, sb.evalID, map[string]any{
		"backend":  sb.backend,
		"handle":   string(sb.handle),
		"attempts": p.retry.Attempts,
		"error":    lastErr,
	}))
}

// Live returns the number of sandboxes not yet confirmed destroyed,
// leaked ones included.
func (p *Provisioner) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Leaked lists outstanding leak incidents, oldest first.
func (p *Provisioner) Leaked() []Leak {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Leak
	for _, sb := range p.live {
		if sb.leak != nil {
			out = append(out, *sb.leak)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Close stops background retries and waits for them to return.
func (p *Provisioner) Close() {
	p.retryCancel()
	p.wg.Wait()
}
