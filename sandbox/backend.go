package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
)

// Signal is delivered to every process of a sandbox.
type Signal int

const (
	SignalTerminate Signal = iota + 1
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalTerminate:
		return "TERM"
	case SignalKill:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}

// ErrNotStarted is returned by Instance operations that need a running
// process.
var ErrNotStarted = errors.New("sandbox not started")

// Spec describes one sandbox to create.
type Spec struct {
	// Name is unique per evaluation and used as the container name.
	Name   string
	EvalID string

	Language Language
	// CodeDir is the host directory holding the code file. Containers mount
	// it read-only at /code.
	CodeDir string
	// ScratchDir is the host scratch directory used by process backends.
	// Container backends use a size-bounded tmpfs instead.
	ScratchDir string

	Policy policy.ResourcePolicy
}

// Backend creates sandboxes of a fixed isolation strength.
type Backend interface {
	Name() string
	Strength() policy.Isolation
	// Probe reports whether the backend can create sandboxes on this host.
	Probe(ctx context.Context) error
	Create(ctx context.Context, spec Spec) (Instance, error)
}

// Instance is one created sandbox. Start may be called once. Destroy must
// be safe to call repeatedly and after the process exited.
type Instance interface {
	ID() string
	Start(stdout, stderr io.Writer) error
	// Done is closed when the sandboxed program exits.
	Done() <-chan struct{}
	// ExitCode is valid once Done is closed.
	ExitCode() int
	Signal(ctx context.Context, sig Signal) error
	Sample(ctx context.Context) (evaluation.Usage, error)
	Destroy(ctx context.Context) error
}
