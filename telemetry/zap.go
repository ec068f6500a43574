package telemetry

import (
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapSink writes every event as one structured log line.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a sink logging through logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger.Named("audit")}
}

// Emit logs the event. Leak and escalation events are logged at error
// level so they page through whatever alerting reads the logs.
func (s *ZapSink) Emit(e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.String("event", string(e.Type)))
	if e.EvalID != "" {
		fields = append(fields, zap.String("eval_id", e.EvalID))
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, e.Fields[k]))
	}

	level := zapcore.InfoLevel
	switch e.Type {
	case EventSandboxLeaked, EventLeakEscalated:
		level = zapcore.ErrorLevel
	case EventTransitionIgnored, EventTerminationEscalated, EventRejected:
		level = zapcore.WarnLevel
	case EventQueueStats, EventBackendProbed:
		level = zapcore.DebugLevel
	}

	if ce := s.logger.Check(level, "engine event"); ce != nil {
		ce.Write(fields...)
	}
}
