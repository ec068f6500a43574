package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/telemetry"
)

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) Emit(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(t telemetry.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func running(t *testing.T, m *Machine, id string) {
	t.Helper()
	require.NoError(t, m.Add(evaluation.Evaluation{ID: id}))
	require.NoError(t, m.Transition(id, evaluation.StatusProvisioning))
	require.NoError(t, m.SetSandbox(id, "evalbox-"+id, "fake"))
	require.NoError(t, m.Transition(id, evaluation.StatusRunning))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to evaluation.Status
		ok       bool
	}{
		{evaluation.StatusQueued, evaluation.StatusProvisioning, true},
		{evaluation.StatusQueued, evaluation.StatusRunning, false},
		{evaluation.StatusProvisioning, evaluation.StatusFailed, true},
		{evaluation.StatusProvisioning, evaluation.StatusKilled, false},
		{evaluation.StatusRunning, evaluation.StatusCompleting, true},
		{evaluation.StatusRunning, evaluation.StatusCompleted, false},
		{evaluation.StatusCompleting, evaluation.StatusTimedOut, true},
		{evaluation.StatusCompleted, evaluation.StatusFailed, false},
		{evaluation.StatusKilled, evaluation.StatusCompleting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestHappyPath(t *testing.T) {
	events := &eventLog{}
	m := New(zaptest.NewLogger(t), WithSink(events))
	running(t, m, "a")

	trigger, err := m.BeginCompleting("a", evaluation.TriggerExit)
	require.NoError(t, err)
	assert.Equal(t, evaluation.TriggerExit, trigger)

	require.NoError(t, m.Finish("a", evaluation.StatusCompleted, evaluation.ExitOutcome{Status: evaluation.OutcomeSuccess}))

	e, transitions, err := m.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusCompleted, e.Status)
	assert.Empty(t, e.Handle, "terminal evaluations hold no sandbox")
	assert.Equal(t, "fake", e.Backend)
	require.NotNil(t, e.Outcome)
	assert.Equal(t, evaluation.OutcomeSuccess, e.Outcome.Status)
	assert.Len(t, transitions, 4)
	assert.Len(t, e.Timestamps, 5)
	assert.Equal(t, 4, events.count(telemetry.EventTransition))

	// Terminal states are final.
	err = m.Transition("a", evaluation.StatusCompleting)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, events.count(telemetry.EventTransitionIgnored))
}

func TestFirstTriggerWins(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	running(t, m, "a")

	_, err := m.BeginCompleting("a", evaluation.TriggerTimeout)
	require.NoError(t, err)

	winner, err := m.BeginCompleting("a", evaluation.TriggerExit)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, evaluation.TriggerTimeout, winner)
}

func TestConcurrentKills(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	running(t, m, "a")
	kill, _, err := m.Signals("a")
	require.NoError(t, err)

	const n = 8
	responses := make([]KillResponse, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = m.RequestKill("a")
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, r := range responses {
		if r.Accepted {
			accepted++
		} else {
			assert.Equal(t, evaluation.ReasonAlreadyTerminal, r.Reason)
		}
	}
	assert.Equal(t, 1, accepted)

	select {
	case <-kill:
	default:
		t.Fatal("kill channel must be closed")
	}

	e, _, err := m.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusCompleting, e.Status)
	assert.Equal(t, evaluation.TriggerKill, e.Trigger)

	require.NoError(t, m.Finish("a", evaluation.StatusKilled, evaluation.ExitOutcome{Status: evaluation.OutcomeKilled}))
	assert.Equal(t, KillResponse{Reason: evaluation.ReasonAlreadyTerminal}, m.RequestKill("a"))
}

func TestKillDuringTimeoutEscalates(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	running(t, m, "a")
	kill, escalate, err := m.Signals("a")
	require.NoError(t, err)

	_, err = m.BeginCompleting("a", evaluation.TriggerTimeout)
	require.NoError(t, err)

	assert.True(t, m.RequestKill("a").Accepted)
	select {
	case <-escalate:
	default:
		t.Fatal("escalation channel must be closed")
	}
	select {
	case <-kill:
		t.Fatal("kill channel is only for running evaluations")
	default:
	}

	// A second kill while escalated is a no-op.
	assert.Equal(t, evaluation.ReasonAlreadyTerminal, m.RequestKill("a").Reason)

	e, _, err := m.Snapshot("a")
	require.NoError(t, err)
	assert.Equal(t, evaluation.TriggerTimeout, e.Trigger, "outcome keeps the first trigger")
}

func TestKillAfterExitIsAlreadyTerminal(t *testing.T) {
	tests := []evaluation.Trigger{evaluation.TriggerExit, evaluation.TriggerLaunchFailed}
	for _, trigger := range tests {
		t.Run(string(trigger), func(t *testing.T) {
			m := New(zaptest.NewLogger(t))
			running(t, m, "a")
			_, escalate, err := m.Signals("a")
			require.NoError(t, err)
			_, err = m.BeginCompleting("a", trigger)
			require.NoError(t, err)

			resp := m.RequestKill("a")
			assert.False(t, resp.Accepted)
			assert.Equal(t, evaluation.ReasonAlreadyTerminal, resp.Reason)
			select {
			case <-escalate:
				t.Fatal("nothing to escalate once the program has exited")
			default:
			}
		})
	}
}

func TestKillBeforeRunningIsDeferred(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	require.NoError(t, m.Add(evaluation.Evaluation{ID: "q"}))

	resp := m.RequestKill("q")
	assert.False(t, resp.Accepted)
	assert.Equal(t, evaluation.ReasonKillDeferred, resp.Reason)
	assert.True(t, m.KillPending("q"))

	assert.Equal(t, evaluation.ReasonNotFound, m.RequestKill("missing").Reason)
	assert.False(t, m.KillPending("missing"))
}

func TestProvisioningFailure(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	require.NoError(t, m.Add(evaluation.Evaluation{ID: "p"}))
	require.NoError(t, m.Transition("p", evaluation.StatusProvisioning))
	require.NoError(t, m.Finish("p", evaluation.StatusFailed, evaluation.ExitOutcome{
		Status: evaluation.OutcomeFailed,
		Reason: evaluation.ReasonIsolationUnavailable,
	}))

	e, _, err := m.Snapshot("p")
	require.NoError(t, err)
	assert.Equal(t, evaluation.StatusFailed, e.Status)
	assert.Equal(t, evaluation.ReasonIsolationUnavailable, e.Outcome.Reason)
}

func TestFinishRequiresTerminal(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	running(t, m, "a")
	require.ErrorIs(t, m.Finish("a", evaluation.StatusRunning, evaluation.ExitOutcome{}), ErrInvalidTransition)
	require.ErrorIs(t, m.Finish("a", evaluation.StatusCompleted, evaluation.ExitOutcome{}), ErrInvalidTransition,
		"running cannot skip completing")
}

func TestEvictAndActive(t *testing.T) {
	m := New(zaptest.NewLogger(t))
	running(t, m, "a")
	require.NoError(t, m.Add(evaluation.Evaluation{ID: "b"}))
	require.ErrorIs(t, m.Add(evaluation.Evaluation{ID: "b"}), ErrExists)

	assert.ElementsMatch(t, []string{"a", "b"}, m.Active())
	require.ErrorIs(t, m.Evict("a"), ErrInvalidTransition)

	_, err := m.BeginCompleting("a", evaluation.TriggerExit)
	require.NoError(t, err)
	require.NoError(t, m.Finish("a", evaluation.StatusCompleted, evaluation.ExitOutcome{}))
	assert.Equal(t, []string{"b"}, m.Active())

	require.NoError(t, m.Evict("a"))
	_, _, err = m.Snapshot("a")
	require.ErrorIs(t, err, evaluation.ErrNotFound)
	assert.Equal(t, 1, m.Len())
}
