package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/evalbox/policy"
)

func testSpec() Spec {
	return Spec{
		Name:     "evalbox-01TEST",
		EvalID:   "01TEST",
		Language: DefaultLanguages()["python"],
		CodeDir:  "/var/lib/evalbox/01TEST/code",
		Policy: policy.ResourcePolicy{
			Tier:         policy.TierStandard,
			CPUs:         0.5,
			MemoryBytes:  256 << 20,
			PIDs:         64,
			DiskBytes:    16 << 20,
			Network:      policy.NetworkNone,
			Timeout:      10 * time.Second,
			GracePeriod:  2 * time.Second,
			MinIsolation: policy.IsolationContainer,
		},
	}
}

// flagValue returns the argument following flag.
func flagValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestContainerCreateArgs(t *testing.T) {
	tests := []struct {
		name    string
		backend func(*MockCommandRunner) *ContainerBackend
		binary  string
		runtime string
	}{
		{"docker", func(r *MockCommandRunner) *ContainerBackend {
			return NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
		}, "docker", ""},
		{"gvisor", func(r *MockCommandRunner) *ContainerBackend {
			return NewGVisorBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
		}, "docker", "runsc"},
		{"podman", func(r *MockCommandRunner) *ContainerBackend {
			return NewPodmanBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
		}, "podman", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{}
			b := tt.backend(runner)

			_, err := b.Create(context.Background(), testSpec())
			require.NoError(t, err)

			calls := runner.callsTo(tt.binary + " create")
			require.Len(t, calls, 1)
			args := calls[0]

			expected := map[string]string{
				"--network":      "none",
				"--cpus":         "0.5",
				"--memory":       "268435456",
				"--memory-swap":  "268435456",
				"--pids-limit":   "64",
				"--cap-drop":     "ALL",
				"--security-opt": "no-new-privileges:true",
				"--user":         "65534:65534",
				"-v":             "/var/lib/evalbox/01TEST/code:/code:ro",
				"--tmpfs":        "/scratch:rw,exec,nosuid,nodev,size=16777216,mode=1777",
			}
			for flag, want := range expected {
				got, ok := flagValue(args, flag)
				require.True(t, ok, "missing %s", flag)
				assert.Equal(t, want, got, flag)
			}
			assert.Contains(t, args, "--read-only")

			rt, ok := flagValue(args, "--runtime")
			if tt.runtime == "" {
				assert.False(t, ok)
			} else {
				assert.Equal(t, tt.runtime, rt)
			}

			// No host environment reaches the container.
			for i, a := range args {
				if a == "-e" {
					assert.NotContains(t, args[i+1], "SECRET")
				}
			}
			assert.Equal(t, []string{"python:3.11-slim", "sh", "-c", `python3 -I "$CODE_FILE"`}, args[len(args)-4:])
		})
	}
}

func TestContainerNetworkIgnoresPolicyValue(t *testing.T) {
	runner := &MockCommandRunner{}
	b := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(runner))

	spec := testSpec()
	spec.Policy.Network = "host"
	_, err := b.Create(context.Background(), spec)
	require.NoError(t, err)

	got, _ := flagValue(runner.callsTo("docker create")[0], "--network")
	assert.Equal(t, "none", got)
}

func TestContainerCreateFailure(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]mockResult{
		"docker create": {stderr: "Error: image not found", exitCode: 125},
	}}
	b := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(runner))

	_, err := b.Create(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image not found")
}

func TestContainerInstanceLifecycle(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]mockResult{
		"docker stats": {stdout: "12.5MiB / 256MiB;1.2kB / 648B;3\n"},
	}}
	b := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(runner))

	inst, err := b.Create(context.Background(), testSpec())
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	require.NoError(t, inst.Start(&stdout, &stderr))
	require.Error(t, inst.Start(&stdout, &stderr), "second start must fail")

	require.Len(t, runner.started, 1)
	assert.Equal(t, []string{"docker", "start", "--attach", "evalbox-01TEST"}, runner.callsTo("docker start")[0])

	usage, err := inst.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, usage.PIDs)
	assert.Equal(t, int64(12.5*1024*1024), usage.MemoryPeakBytes)
	assert.Equal(t, int64(1200), usage.NetRxBytes)
	assert.Equal(t, int64(648), usage.NetTxBytes)

	require.NoError(t, inst.Signal(context.Background(), SignalTerminate))
	assert.Equal(t, []string{"docker", "kill", "--signal", "TERM", "evalbox-01TEST"}, runner.callsTo("docker kill")[0])

	runner.started[0].exit <- 143
	select {
	case <-inst.Done():
	case <-time.After(time.Second):
		t.Fatal("instance did not report exit")
	}
	assert.Equal(t, 143, inst.ExitCode())

	require.NoError(t, inst.Destroy(context.Background()))
	assert.Equal(t, []string{"docker", "rm", "--force", "--volumes", "evalbox-01TEST"}, runner.callsTo("docker rm")[0])
}

func TestContainerDestroy(t *testing.T) {
	tests := []struct {
		name    string
		result  mockResult
		wantErr bool
	}{
		{"removed", mockResult{}, false},
		{"already gone", mockResult{stderr: "Error response from daemon: No such container: evalbox-01TEST", exitCode: 1}, false},
		{"daemon error", mockResult{stderr: "Error response from daemon: device or resource busy", exitCode: 1}, true},
		{"client failure", mockResult{err: errors.New("exec: docker: not found")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{commandResults: map[string]mockResult{"docker rm": tt.result}}
			b := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(runner))
			inst, err := b.Create(context.Background(), testSpec())
			require.NoError(t, err)

			err = inst.Destroy(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestContainerSignalNotRunning(t *testing.T) {
	runner := &MockCommandRunner{commandResults: map[string]mockResult{
		"docker kill": {stderr: "Error response from daemon: container abc is not running", exitCode: 1},
	}}
	b := NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(runner))
	inst, err := b.Create(context.Background(), testSpec())
	require.NoError(t, err)

	require.NoError(t, inst.Signal(context.Background(), SignalKill))
}

func TestContainerProbe(t *testing.T) {
	tests := []struct {
		name    string
		backend func(r *MockCommandRunner) *ContainerBackend
		results map[string]mockResult
		wantErr string
	}{
		{
			name: "docker up",
			backend: func(r *MockCommandRunner) *ContainerBackend {
				return NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
			},
			results: map[string]mockResult{"docker version": {stdout: "27.1.1\n"}},
		},
		{
			name: "docker down",
			backend: func(r *MockCommandRunner) *ContainerBackend {
				return NewDockerBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
			},
			results: map[string]mockResult{"docker version": {stderr: "Cannot connect to the Docker daemon", exitCode: 1}},
			wantErr: "daemon unavailable",
		},
		{
			name: "gvisor registered",
			backend: func(r *MockCommandRunner) *ContainerBackend {
				return NewGVisorBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
			},
			results: map[string]mockResult{"docker info": {stdout: `{"io.containerd.runc.v2":{},"runc":{},"runsc":{"path":"/usr/local/bin/runsc"}}`}},
		},
		{
			name: "gvisor missing",
			backend: func(r *MockCommandRunner) *ContainerBackend {
				return NewGVisorBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
			},
			results: map[string]mockResult{"docker info": {stdout: `{"runc":{}}`}},
			wantErr: "runtime runsc is not registered",
		},
		{
			name: "podman up",
			backend: func(r *MockCommandRunner) *ContainerBackend {
				return NewPodmanBackend(zaptest.NewLogger(t), WithContainerCommandRunner(r))
			},
			results: map[string]mockResult{"podman version": {stdout: "5.2.0"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.backend(&MockCommandRunner{commandResults: tt.results})
			err := b.Probe(context.Background())
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}
