package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSinkLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewZapSink(zap.New(core))

	sink.Emit(New(EventTransition, "01J", map[string]any{"from": "queued", "to": "provisioning"}))
	sink.Emit(New(EventSandboxLeaked, "01J", map[string]any{"handle": "h1"}))
	sink.Emit(New(EventTransitionIgnored, "01J", nil))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "evaluation.transition", entries[0].ContextMap()["event"])
	assert.Equal(t, "01J", entries[0].ContextMap()["eval_id"])
	assert.Equal(t, "provisioning", entries[0].ContextMap()["to"])
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
}

func TestMultiFansOut(t *testing.T) {
	var a, b int
	m := Multi{SinkFunc(func(Event) { a++ }), nil, SinkFunc(func(Event) { b++ })}
	m.Emit(New(EventSubmitted, "x", nil))
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	m.Emit(New(EventSubmitted, "a", nil))
	m.Emit(New(EventSubmitted, "b", nil))
	m.Emit(New(EventRejected, "", map[string]any{"reason": "queue_saturated"}))
	m.Emit(New(EventTerminationDone, "a", map[string]any{
		"trigger":  "timeout",
		"forced":   true,
		"duration": 1500 * time.Millisecond,
	}))
	m.Emit(New(EventSandboxLeaked, "a", nil))
	m.Emit(New(EventQueueStats, "", map[string]any{"queued": 4, "running": 2}))
	m.Emit(New(EventBackendProbed, "", map[string]any{"backend": "docker", "strength": "container", "available": true}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submissions.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submissions.WithLabelValues("queue_saturated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations.WithLabelValues("timeout", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaks))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.slotsInUse))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendUp.WithLabelValues("docker", "container")))

	_, err = NewMetrics(registry)
	assert.Error(t, err, "double registration must fail")
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	m.Emit(New(EventSandboxLeaked, "a", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "evalbox_sandboxes_leaked_total 1"))
}
