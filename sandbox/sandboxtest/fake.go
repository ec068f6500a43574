// Package sandboxtest provides a scriptable in-memory sandbox backend for
// tests of code built on top of the sandbox package.
package sandboxtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
)

// ConnectRefused is what a program reports when its egress attempt fails.
const ConnectRefused = "connect: network is unreachable\n"

// Behavior scripts how a fake sandboxed program acts.
type Behavior struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// RunFor is how long the program runs before exiting on its own.
	RunFor time.Duration
	// Hang keeps the program running until it is signalled.
	Hang bool
	// IgnoreTerm makes the program survive SIGTERM.
	IgnoreTerm bool
	// TermDelay is how long the program takes to exit after SIGTERM.
	TermDelay time.Duration
	// EgressBytes is what the program tries to send. It is only delivered
	// when the sandbox has a network; without one the connect fails, the
	// program reports it on stderr and exits 1.
	EgressBytes int64
	// ForksOnTerm is how many processes the program spawns once it
	// receives SIGTERM.
	ForksOnTerm int
	// DestroyFailures is how many Destroy calls fail before one succeeds.
	DestroyFailures int
	CreateErr       error
	// PanicOnStart makes Start panic, like a buggy backend.
	PanicOnStart bool
	// SampleDelay is how long each usage sample takes, like a slow
	// `docker stats`. Samples honor ctx.
	SampleDelay time.Duration
}

// Backend is a fake sandbox.Backend.
type Backend struct {
	BackendName string
	Level       policy.Isolation
	ProbeErr    error
	// Behave picks the behavior for a new sandbox. Nil means exit 0.
	Behave func(spec sandbox.Spec) Behavior

	mu        sync.Mutex
	instances []*Instance
}

// NewBackend returns a container strength fake named "fake".
func NewBackend(behave func(sandbox.Spec) Behavior) *Backend {
	return &Backend{BackendName: "fake", Level: policy.IsolationContainer, Behave: behave}
}

func (b *Backend) Name() string { return b.BackendName }

func (b *Backend) Strength() policy.Isolation { return b.Level }

func (b *Backend) Probe(context.Context) error { return b.ProbeErr }

// Instances returns every instance created so far.
func (b *Backend) Instances() []*Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Instance(nil), b.instances...)
}

func (b *Backend) Create(_ context.Context, spec sandbox.Spec) (sandbox.Instance, error) {
	var bh Behavior
	if b.Behave != nil {
		bh = b.Behave(spec)
	}
	if bh.CreateErr != nil {
		return nil, bh.CreateErr
	}
	inst := &Instance{
		Spec:     spec,
		behavior: bh,
		done:     make(chan struct{}),
		failures: bh.DestroyFailures,
	}
	b.mu.Lock()
	b.instances = append(b.instances, inst)
	b.mu.Unlock()
	return inst, nil
}

// Running counts created instances that have not been destroyed.
func (b *Backend) Running() int {
	n := 0
	for _, inst := range b.Instances() {
		if !inst.Destroyed() {
			n++
		}
	}
	return n
}

// Instance is a fake sandbox.Instance.
type Instance struct {
	Spec sandbox.Spec

	behavior Behavior
	done     chan struct{}

	mu        sync.Mutex
	started   bool
	exited    bool
	exitCode  int
	termed    bool
	destroyed bool
	failures  int
	signals   []sandbox.Signal
}

func (i *Instance) ID() string { return i.Spec.Name }

func (i *Instance) Start(stdout, stderr io.Writer) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		return errors.New("already started")
	}
	i.started = true
	i.mu.Unlock()
	if i.behavior.PanicOnStart {
		panic("sandboxtest: start panicked")
	}

	go func() {
		if i.behavior.Stdout != "" {
			_, _ = io.WriteString(stdout, i.behavior.Stdout)
		}
		if i.behavior.Stderr != "" {
			_, _ = io.WriteString(stderr, i.behavior.Stderr)
		}
		exitCode := i.behavior.ExitCode
		if i.behavior.EgressBytes > 0 && i.Spec.Policy.Network == policy.NetworkNone {
			_, _ = io.WriteString(stderr, ConnectRefused)
			exitCode = 1
		} else if i.behavior.Hang {
			return
		}
		timer := time.NewTimer(i.behavior.RunFor)
		defer timer.Stop()
		select {
		case <-timer.C:
			i.exit(exitCode)
		case <-i.done:
		}
	}()
	return nil
}

func (i *Instance) exit(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exited {
		return
	}
	i.exited = true
	i.exitCode = code
	close(i.done)
}

func (i *Instance) Done() <-chan struct{} { return i.done }

func (i *Instance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

func (i *Instance) Signal(_ context.Context, sig sandbox.Signal) error {
	i.mu.Lock()
	i.signals = append(i.signals, sig)
	if sig == sandbox.SignalTerminate {
		i.termed = true
	}
	i.mu.Unlock()

	switch sig {
	case sandbox.SignalKill:
		i.exit(137)
	case sandbox.SignalTerminate:
		if i.behavior.IgnoreTerm {
			return nil
		}
		go func() {
			time.Sleep(i.behavior.TermDelay)
			i.exit(143)
		}()
	}
	return nil
}

func (i *Instance) Sample(ctx context.Context) (evaluation.Usage, error) {
	if d := i.behavior.SampleDelay; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return evaluation.Usage{}, ctx.Err()
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	u := evaluation.Usage{PIDs: 1, MemoryPeakBytes: 1 << 20}
	if i.termed {
		u.PIDs += i.behavior.ForksOnTerm
	}
	if i.Spec.Policy.Network != policy.NetworkNone {
		u.NetTxBytes = i.behavior.EgressBytes
	}
	return u, nil
}

func (i *Instance) Destroy(context.Context) error {
	i.mu.Lock()
	if i.failures > 0 {
		i.failures--
		i.mu.Unlock()
		return errors.New("runtime refused to remove sandbox")
	}
	i.destroyed = true
	i.mu.Unlock()
	i.exit(137)
	return nil
}

// Signals returns the signals delivered so far.
func (i *Instance) Signals() []sandbox.Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]sandbox.Signal(nil), i.signals...)
}

// Destroyed reports whether Destroy succeeded.
func (i *Instance) Destroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}
