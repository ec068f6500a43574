package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
)

// LocalBackend runs code as a host process inside fresh user, network and
// pid namespaces, with rlimits installed before exec. It is the weakest
// backend and is only registered when explicitly enabled.
type LocalBackend struct {
	logger    *zap.Logger
	cmdRunner CommandRunner
	procRoot  string
}

// LocalOption defines a functional option for LocalBackend
type LocalOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalOption {
	return func(l *LocalBackend) {
		l.cmdRunner = cmdRunner
	}
}

// WithProcRoot points usage sampling at another procfs mount.
func WithProcRoot(root string) LocalOption {
	return func(l *LocalBackend) {
		l.procRoot = root
	}
}

// NewLocalBackend creates a process strength backend.
func NewLocalBackend(logger *zap.Logger, opts ...LocalOption) *LocalBackend {
	l := &LocalBackend{
		logger:    logger.Named("local"),
		cmdRunner: &RealCommandRunner{},
		procRoot:  "/proc",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LocalBackend) Name() string { return "local" }

func (l *LocalBackend) Strength() policy.Isolation { return policy.IsolationProcess }

// Probe checks that unprivileged namespaces and the prlimit wrapper work.
func (l *LocalBackend) Probe(ctx context.Context) error {
	args := append(namespaceArgs(), "true")
	_, stderr, exitCode, err := l.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to run unshare: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("unprivileged namespaces unavailable: %s", strings.TrimSpace(stderr))
	}
	_, stderr, exitCode, err = l.cmdRunner.RunCommand(ctx, []string{"prlimit", "--version"})
	if err != nil {
		return fmt.Errorf("failed to run prlimit: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("prlimit unavailable: %s", strings.TrimSpace(stderr))
	}
	return nil
}

func (l *LocalBackend) Create(_ context.Context, spec Spec) (Instance, error) {
	if spec.ScratchDir == "" {
		return nil, fmt.Errorf("local backend requires a scratch directory")
	}
	codeFile := filepath.Join(spec.CodeDir, spec.Language.FileName)

	args := rlimitArgs(spec.Policy)
	args = append(args, namespaceArgs()...)
	args = append(args, spec.Language.Command()...)

	return &localInstance{
		backend: l,
		name:    spec.Name,
		args:    args,
		env:     spec.Language.Env(codeFile, spec.ScratchDir),
		dir:     spec.ScratchDir,
		done:    make(chan struct{}),
	}, nil
}

// namespaceArgs isolates the network (only a down loopback exists), the
// pid space and the user. --kill-child takes the whole namespace down with
// the wrapper.
func namespaceArgs() []string {
	return []string{"unshare", "--user", "--net", "--pid", "--fork", "--kill-child"}
}

// rlimitArgs bounds address space, file size, CPU time and process count.
// The nproc ceiling is counted per user inside the fresh user namespace,
// so it caps only the sandboxed tree.
func rlimitArgs(p policy.ResourcePolicy) []string {
	cpuSeconds := int64((p.Timeout + p.GracePeriod + time.Second) / time.Second)
	return []string{
		"prlimit",
		fmt.Sprintf("--as=%d", p.MemoryBytes),
		fmt.Sprintf("--fsize=%d", p.DiskBytes),
		fmt.Sprintf("--cpu=%d", cpuSeconds),
		fmt.Sprintf("--nproc=%d", p.PIDs),
		"--core=0",
		"--",
	}
}

type localInstance struct {
	backend *LocalBackend
	name    string
	args    []string
	env     []string
	dir     string
	done    chan struct{}

	mu       sync.Mutex
	pgid     int
	exitCode int
}

func (i *localInstance) ID() string { return i.name }

func (i *localInstance) Start(stdout, stderr io.Writer) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pgid != 0 {
		return fmt.Errorf("process %s already started", i.name)
	}

	proc, err := i.backend.cmdRunner.StartCommand(i.args, i.env, i.dir, stdout, stderr)
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}
	// StartCommand puts the child in its own process group.
	i.pgid = proc.Pid()

	go func() {
		code, err := proc.Wait()
		if err != nil {
			i.backend.logger.Warn("wait failed", zap.String("sandbox", i.name), zap.Error(err))
		}
		i.mu.Lock()
		i.exitCode = code
		i.mu.Unlock()
		close(i.done)
	}()
	return nil
}

func (i *localInstance) Done() <-chan struct{} { return i.done }

func (i *localInstance) ExitCode() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

func (i *localInstance) group() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pgid
}

func (i *localInstance) Signal(_ context.Context, sig Signal) error {
	pgid := i.group()
	if pgid == 0 {
		return ErrNotStarted
	}
	s := unix.SIGTERM
	if sig == SignalKill {
		s = unix.SIGKILL
	}
	if err := unix.Kill(-pgid, s); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal process group: %w", err)
	}
	return nil
}

// Sample sums usage over the process group. The network namespace only
// has loopback, so any non-loopback traffic counts as egress.
func (i *localInstance) Sample(_ context.Context) (evaluation.Usage, error) {
	pgid := i.group()
	if pgid == 0 {
		return evaluation.Usage{}, ErrNotStarted
	}
	root := i.backend.procRoot

	var u evaluation.Usage
	members, err := groupMembers(root, pgid)
	if err != nil {
		return evaluation.Usage{}, err
	}
	u.PIDs = len(members)
	page := int64(unix.Getpagesize())
	for _, pid := range members {
		u.MemoryPeakBytes += residentPages(root, pid) * page
	}

	rx, tx, err := netDev(filepath.Join(root, strconv.Itoa(pgid), "net", "dev"))
	if err == nil {
		u.NetRxBytes, u.NetTxBytes = rx, tx
	}
	return u, nil
}

// Destroy kills the whole process group and confirms it is gone.
func (i *localInstance) Destroy(ctx context.Context) error {
	pgid := i.group()
	if pgid == 0 {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	select {
	case <-i.done:
	case <-ctx.Done():
		return fmt.Errorf("process group %d did not exit: %w", pgid, ctx.Err())
	}
	if err := unix.Kill(-pgid, 0); err == nil {
		return fmt.Errorf("process group %d still has members", pgid)
	}
	return nil
}

func groupMembers(root string, pgid int) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "stat"))
		if err != nil {
			continue
		}
		if statPgrp(string(data)) == pgid {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// statPgrp extracts the pgrp field from /proc/<pid>/stat. The command name
// can contain spaces and parentheses, so fields are counted after the last
// ')'.
func statPgrp(stat string) int {
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return -1
	}
	fields := strings.Fields(stat[end+1:])
	// state ppid pgrp ...
	if len(fields) < 3 {
		return -1
	}
	pgrp, err := strconv.Atoi(fields[2])
	if err != nil {
		return -1
	}
	return pgrp
}

func residentPages(root string, pid int) int64 {
	data, err := os.ReadFile(filepath.Join(root, strconv.Itoa(pid), "statm"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	n, _ := strconv.ParseInt(fields[1], 10, 64)
	return n
}

// netDev sums receive and transmit bytes of every interface but lo.
func netDev(path string) (rx, tx int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(name) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		r, _ := strconv.ParseInt(fields[0], 10, 64)
		t, _ := strconv.ParseInt(fields[8], 10, 64)
		rx += r
		tx += t
	}
	return rx, tx, scanner.Err()
}
