package sandbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/sandbox/sandboxtest"
	"github.com/isdmx/evalbox/telemetry"
)

func fakeBackend(name string, level policy.Isolation, probeErr error) *sandboxtest.Backend {
	b := sandboxtest.NewBackend(nil)
	b.BackendName = name
	b.Level = level
	b.ProbeErr = probeErr
	return b
}

func specWith(minimum policy.Isolation) sandbox.Spec {
	return sandbox.Spec{
		Name:   "evalbox-test",
		EvalID: "test",
		Policy: policy.ResourcePolicy{Network: policy.NetworkNone, MinIsolation: minimum},
	}
}

func TestRuntimeOrdersStrongestFirst(t *testing.T) {
	rt, err := sandbox.NewRuntime(zaptest.NewLogger(t), []sandbox.Backend{
		fakeBackend("local", policy.IsolationProcess, nil),
		fakeBackend("docker", policy.IsolationContainer, nil),
		fakeBackend("gvisor", policy.IsolationHardened, nil),
		fakeBackend("podman", policy.IsolationContainer, nil),
	})
	require.NoError(t, err)

	var names []string
	for _, st := range rt.AvailableBackends() {
		names = append(names, st.Name)
		assert.False(t, st.Available, "nothing is available before probing")
	}
	assert.Equal(t, []string{"gvisor", "docker", "podman", "local"}, names)
}

func TestRuntimeCreateSelection(t *testing.T) {
	down := errors.New("daemon down")
	tests := []struct {
		name     string
		backends []*sandboxtest.Backend
		minimum  policy.Isolation
		want     string
		wantCode evaluation.ReasonCode
	}{
		{
			name: "strongest available wins",
			backends: []*sandboxtest.Backend{
				fakeBackend("docker", policy.IsolationContainer, nil),
				fakeBackend("gvisor", policy.IsolationHardened, nil),
			},
			minimum: policy.IsolationContainer,
			want:    "gvisor",
		},
		{
			name: "unavailable strong backend is skipped",
			backends: []*sandboxtest.Backend{
				fakeBackend("gvisor", policy.IsolationHardened, down),
				fakeBackend("docker", policy.IsolationContainer, nil),
			},
			minimum: policy.IsolationContainer,
			want:    "docker",
		},
		{
			name: "never downgrades below the minimum",
			backends: []*sandboxtest.Backend{
				fakeBackend("gvisor", policy.IsolationHardened, down),
				fakeBackend("docker", policy.IsolationContainer, nil),
				fakeBackend("local", policy.IsolationProcess, nil),
			},
			minimum:  policy.IsolationHardened,
			wantCode: evaluation.ReasonIsolationUnavailable,
		},
		{
			name: "nothing available",
			backends: []*sandboxtest.Backend{
				fakeBackend("docker", policy.IsolationContainer, down),
			},
			minimum:  policy.IsolationProcess,
			wantCode: evaluation.ReasonIsolationUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := make([]sandbox.Backend, 0, len(tt.backends))
			for _, b := range tt.backends {
				backends = append(backends, b)
			}
			rt, err := sandbox.NewRuntime(zaptest.NewLogger(t), backends)
			require.NoError(t, err)
			rt.ProbeAll(context.Background())

			inst, name, err := rt.Create(context.Background(), specWith(tt.minimum))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, evaluation.CodeOf(err))
				assert.Nil(t, inst)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, name)
			assert.NotNil(t, inst)
		})
	}
}

func TestRuntimeCreateFailureIsAllocationFailure(t *testing.T) {
	b := sandboxtest.NewBackend(func(sandbox.Spec) sandboxtest.Behavior {
		return sandboxtest.Behavior{CreateErr: errors.New("image pull failed")}
	})
	rt, err := sandbox.NewRuntime(zaptest.NewLogger(t), []sandbox.Backend{b})
	require.NoError(t, err)
	rt.ProbeAll(context.Background())

	_, _, err = rt.Create(context.Background(), specWith(policy.IsolationContainer))
	require.Error(t, err)
	assert.Equal(t, evaluation.ReasonResourceAllocationFailed, evaluation.CodeOf(err))
	assert.NotContains(t, err.Error(), "image pull failed", "internal detail must not be rendered")
}

func TestRuntimeProbeEvents(t *testing.T) {
	var events []telemetry.Event
	sink := telemetry.SinkFunc(func(e telemetry.Event) { events = append(events, e) })

	rt, err := sandbox.NewRuntime(zaptest.NewLogger(t),
		[]sandbox.Backend{fakeBackend("docker", policy.IsolationContainer, errors.New("down"))},
		sandbox.WithRuntimeSink(sink),
		sandbox.WithProbeSchedule("@every 1h"))
	require.NoError(t, err)

	require.NoError(t, rt.Start(context.Background()))
	defer rt.Stop()

	require.Len(t, events, 1)
	assert.Equal(t, telemetry.EventBackendProbed, events[0].Type)
	assert.Equal(t, false, events[0].Fields["available"])

	st := rt.AvailableBackends()[0]
	assert.Equal(t, "down", st.Error)
	assert.False(t, st.CheckedAt.IsZero())
}

func TestRuntimeRejectsBadConfig(t *testing.T) {
	_, err := sandbox.NewRuntime(zaptest.NewLogger(t), nil)
	require.Error(t, err)

	_, err = sandbox.NewRuntime(zaptest.NewLogger(t), []sandbox.Backend{
		fakeBackend("docker", policy.IsolationContainer, nil),
		fakeBackend("docker", policy.IsolationContainer, nil),
	})
	require.Error(t, err)

	rt, err := sandbox.NewRuntime(zaptest.NewLogger(t),
		[]sandbox.Backend{fakeBackend("docker", policy.IsolationContainer, nil)},
		sandbox.WithProbeSchedule("not a schedule"))
	require.NoError(t, err)
	require.Error(t, rt.Start(context.Background()))
}
