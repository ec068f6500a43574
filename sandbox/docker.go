package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
)

// ContainerBackend runs sandboxes through a docker compatible CLI. The
// docker, gvisor and podman backends differ only in binary, OCI runtime and
// probe.
type ContainerBackend struct {
	name      string
	binary    string
	runtime   string
	strength  policy.Isolation
	pidsField string
	probe     func(ctx context.Context, b *ContainerBackend) error
	logger    *zap.Logger
	cmdRunner CommandRunner
}

// ContainerOption defines a functional option for ContainerBackend
type ContainerOption func(*ContainerBackend)

// WithContainerCommandRunner sets the CommandRunner for ContainerBackend
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerOption {
	return func(b *ContainerBackend) {
		b.cmdRunner = cmdRunner
	}
}

// WithContainerBinary overrides the CLI binary, e.g. a full path.
func WithContainerBinary(binary string) ContainerOption {
	return func(b *ContainerBackend) {
		if binary != "" {
			b.binary = binary
		}
	}
}

// NewDockerBackend creates a container strength backend using docker and
// its default runtime.
func NewDockerBackend(logger *zap.Logger, opts ...ContainerOption) *ContainerBackend {
	return newContainerBackend(logger, &ContainerBackend{
		name:      "docker",
		binary:    "docker",
		strength:  policy.IsolationContainer,
		pidsField: "PIDs",
		probe:     probeServerVersion,
	}, opts)
}

// NewGVisorBackend creates a hardened backend: docker with the runsc
// (gVisor) runtime, so untrusted code never talks to the host kernel
// directly.
func NewGVisorBackend(logger *zap.Logger, opts ...ContainerOption) *ContainerBackend {
	return newContainerBackend(logger, &ContainerBackend{
		name:      "gvisor",
		binary:    "docker",
		runtime:   "runsc",
		strength:  policy.IsolationHardened,
		pidsField: "PIDs",
		probe:     probeRuntime,
	}, opts)
}

func newContainerBackend(logger *zap.Logger, b *ContainerBackend, opts []ContainerOption) *ContainerBackend {
	b.logger = logger.Named(b.name)
	b.cmdRunner = &RealCommandRunner{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *ContainerBackend) Name() string { return b.name }

func (b *ContainerBackend) Strength() policy.Isolation { return b.strength }

func (b *ContainerBackend) Probe(ctx context.Context) error {
	return b.probe(ctx, b)
}

func probeServerVersion(ctx context.Context, b *ContainerBackend) error {
	stdout, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "version", "--format", "{{.Server.Version}}"})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", b.binary, err)
	}
	if exitCode != 0 || strings.TrimSpace(stdout) == "" {
		return fmt.Errorf("%s daemon unavailable: %s", b.binary, strings.TrimSpace(stderr))
	}
	return nil
}

func probeRuntime(ctx context.Context, b *ContainerBackend) error {
	stdout, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "info", "--format", "{{json .Runtimes}}"})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", b.binary, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s daemon unavailable: %s", b.binary, strings.TrimSpace(stderr))
	}
	if !strings.Contains(stdout, `"`+b.runtime+`"`) {
		return fmt.Errorf("runtime %s is not registered with %s", b.runtime, b.binary)
	}
	return nil
}

// Create creates (but does not start) the container.
func (b *ContainerBackend) Create(ctx context.Context, spec Spec) (Instance, error) {
	args := b.createArgs(spec)
	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s create: %w", b.binary, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("failed to create container: %s", strings.TrimSpace(stderr))
	}

	b.logger.Debug("container created", zap.String("container", spec.Name), zap.String("eval_id", spec.EvalID))
	return &containerInstance{
		backend: b,
		name:    spec.Name,
		done:    make(chan struct{}),
	}, nil
}

// createArgs builds the create command. Every restriction is always
// present; no Spec field can relax them.
func (b *ContainerBackend) createArgs(spec Spec) []string {
	p := spec.Policy
	codeFile := filepath.ToSlash(filepath.Join(ContainerCodeDir, spec.Language.FileName))

	args := []string{
		b.binary, "create",
		"--name", spec.Name,
		"--label", containerNameLabel + "=" + spec.EvalID,
		"--network", policy.NetworkNone,
		"--cpus", strconv.FormatFloat(p.CPUs, 'f', -1, 64),
		"--memory", strconv.FormatInt(p.MemoryBytes, 10),
		"--memory-swap", strconv.FormatInt(p.MemoryBytes, 10),
		"--pids-limit", strconv.Itoa(p.PIDs),
		"--read-only",
		"--tmpfs", fmt.Sprintf("%s:rw,exec,nosuid,nodev,size=%d,mode=1777", ContainerScratch, p.DiskBytes),
		"--ulimit", fmt.Sprintf("fsize=%d", p.DiskBytes),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--user", fmt.Sprintf("%d:%d", SandboxUID, SandboxGID),
		"--ipc", "private",
		"-v", spec.CodeDir + ":" + ContainerCodeDir + ":ro",
		"--workdir", ContainerScratch,
		"--stop-signal", "SIGTERM",
	}
	if b.runtime != "" {
		args = append(args, "--runtime", b.runtime)
	}
	for _, kv := range spec.Language.Env(codeFile, ContainerScratch) {
		args = append(args, "-e", kv)
	}

	image := spec.Language.Image
	if image == "" {
		image = "alpine:latest"
	}
	args = append(args, image)
	return append(args, spec.Language.Command()...)
}

// clientEnv is the environment of the CLI client itself, not of the
// sandbox. It only carries what the client needs to reach its daemon.
func clientEnv() []string {
	env := []string{}
	for _, key := range []string{"PATH", "HOME", "DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CONTEXT", "CONTAINER_HOST", "XDG_RUNTIME_DIR"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	sort.Strings(env)
	return env
}

type containerInstance struct {
	backend *ContainerBackend
	name    string
	done    chan struct{}

	mu       sync.Mutex
	started  bool
	exitCode int
}

func (c *containerInstance) ID() string { return c.name }

func (c *containerInstance) Start(stdout, stderr io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("container %s already started", c.name)
	}

	b := c.backend
	proc, err := b.cmdRunner.StartCommand([]string{b.binary, "start", "--attach", c.name}, clientEnv(), "", stdout, stderr)
	if err != nil {
		return fmt.Errorf("failed to start container: %w", err)
	}
	c.started = true

	go func() {
		code, err := proc.Wait()
		if err != nil {
			b.logger.Warn("attach process failed", zap.String("container", c.name), zap.Error(err))
		}
		c.mu.Lock()
		c.exitCode = code
		c.mu.Unlock()
		close(c.done)
	}()
	return nil
}

func (c *containerInstance) Done() <-chan struct{} { return c.done }

func (c *containerInstance) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *containerInstance) Signal(ctx context.Context, sig Signal) error {
	b := c.backend
	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "kill", "--signal", sig.String(), c.name})
	if err != nil {
		return fmt.Errorf("failed to signal container: %w", err)
	}
	if exitCode != 0 {
		if isNotRunning(stderr) {
			return nil
		}
		return fmt.Errorf("failed to signal container: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (c *containerInstance) Sample(ctx context.Context) (evaluation.Usage, error) {
	b := c.backend
	format := fmt.Sprintf("{{.MemUsage}};{{.NetIO}};{{.%s}}", b.pidsField)
	stdout, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "stats", "--no-stream", "--format", format, c.name})
	if err != nil {
		return evaluation.Usage{}, fmt.Errorf("failed to sample container: %w", err)
	}
	if exitCode != 0 {
		return evaluation.Usage{}, fmt.Errorf("failed to sample container: %s", strings.TrimSpace(stderr))
	}
	return parseStats(stdout)
}

// Destroy force-removes the container. A container that no longer exists
// counts as destroyed.
func (c *containerInstance) Destroy(ctx context.Context) error {
	b := c.backend
	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, []string{b.binary, "rm", "--force", "--volumes", c.name})
	if err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	if exitCode != 0 && !isNoSuchContainer(stderr) {
		return fmt.Errorf("failed to remove container: %s", strings.TrimSpace(stderr))
	}
	b.logger.Debug("container removed", zap.String("container", c.name))
	return nil
}

func isNotRunning(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "is not running") || isNoSuchContainer(stderr)
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}
