package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/evalbox/config"
	"github.com/isdmx/evalbox/engine"
	"github.com/isdmx/evalbox/evaluation"
	"github.com/isdmx/evalbox/logger"
	"github.com/isdmx/evalbox/mcpserver"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/sandbox/sandboxtest"
	"github.com/isdmx/evalbox/store"
)

type stack struct {
	cfg     *config.Config
	eng     *engine.Engine
	backend *sandboxtest.Backend
	results store.ResultStore
}

// newStack wires the default configuration end to end on a fake
// container backend and a real sqlite result store.
func newStack(t *testing.T, behave func(sandbox.Spec) sandboxtest.Behavior) *stack {
	t.Helper()
	cfg, err := config.New()
	require.NoError(t, err)
	cfg.Store.Path = filepath.Join(t.TempDir(), "results.db")
	cfg.Isolation.WorkDir = t.TempDir()

	log := zaptest.NewLogger(t)

	backend := sandboxtest.NewBackend(behave)
	rt, err := sandbox.NewRuntime(log, []sandbox.Backend{backend},
		sandbox.WithProbeSchedule(cfg.Isolation.ProbeSchedule))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(rt.Stop)

	prov, err := sandbox.NewProvisioner(log, rt, cfg.SandboxLanguages(),
		sandbox.WithRetryPolicy(cfg.RetryPolicy()),
		sandbox.WithWorkRoot(cfg.Isolation.WorkDir))
	require.NoError(t, err)
	t.Cleanup(prov.Close)

	tiers, err := cfg.TierLimits()
	require.NoError(t, err)
	resolver, err := policy.NewResolver(tiers, cfg.LanguageTiers())
	require.NoError(t, err)

	results, err := store.New(context.Background(), store.Options{Driver: cfg.Store.Driver, Path: cfg.Store.Path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = results.Close() })

	eng, err := engine.New(log, engine.Settings{
		MaxCodeBytes:    cfg.MaxCodeBytes(),
		QueueCapacity:   cfg.Engine.QueueCapacity,
		Slots:           cfg.Engine.Slots,
		ForceKillMargin: cfg.Engine.ForceKillMargin,
		Output:          cfg.OutputLimits(),
		SampleInterval:  50 * time.Millisecond,
	}, resolver, prov, rt, results)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	return &stack{cfg: cfg, eng: eng, backend: backend, results: results}
}

func (s *stack) await(t *testing.T, id string) engine.StatusView {
	t.Helper()
	var view engine.StatusView
	require.Eventually(t, func() bool {
		var err error
		view, err = s.eng.Status(context.Background(), id)
		return err == nil && view.Status.IsTerminal() && view.Usage != nil
	}, 10*time.Second, 10*time.Millisecond)
	return view
}

func TestIntegrationDefaultConfig(t *testing.T) {
	t.Run("ConfigAndLogger", func(t *testing.T) {
		cfg, err := config.New()
		require.NoError(t, err)

		log, err := logger.NewFromConfig(cfg)
		require.NoError(t, err)
		log.Info("integration test started")
		_ = log.Sync()
	})

	t.Run("MCPServerOverEngine", func(t *testing.T) {
		s := newStack(t, nil)
		srv, err := mcpserver.New(s.cfg, zaptest.NewLogger(t), s.eng)
		require.NoError(t, err)
		assert.NotNil(t, srv.GetMCPServer())
	})
}

func TestIntegrationEvaluation(t *testing.T) {
	s := newStack(t, func(sandbox.Spec) sandboxtest.Behavior {
		return sandboxtest.Behavior{Stdout: "hello\n", RunFor: 20 * time.Millisecond}
	})

	t.Run("PythonSucceeds", func(t *testing.T) {
		id, err := s.eng.Submit(context.Background(), evaluation.Submission{
			Code:     []byte("print('hello')"),
			Language: "python",
		})
		require.NoError(t, err)

		view := s.await(t, id)
		assert.Equal(t, evaluation.StatusCompleted, view.Status)
		assert.Equal(t, policy.TierStandard, view.RiskTier)
		assert.Equal(t, "fake", view.Backend)
		assert.Equal(t, "hello\n", view.Output.Stdout)
		require.NotNil(t, view.Outcome)
		assert.Equal(t, evaluation.OutcomeSuccess, view.Outcome.Status)

		r, err := s.results.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, r.EvalID)
	})

	t.Run("ShellNeedsHardenedIsolation", func(t *testing.T) {
		id, err := s.eng.Submit(context.Background(), evaluation.Submission{
			Code:     []byte("echo hi"),
			Language: "shell",
		})
		require.NoError(t, err)

		view := s.await(t, id)
		assert.Equal(t, evaluation.StatusFailed, view.Status)
		assert.Equal(t, policy.TierHigh, view.RiskTier)
		require.NotNil(t, view.Outcome)
		assert.Equal(t, evaluation.ReasonIsolationUnavailable, view.Outcome.Reason)
	})

	t.Run("UnsupportedLanguage", func(t *testing.T) {
		_, err := s.eng.Submit(context.Background(), evaluation.Submission{
			Code:     []byte("puts 1"),
			Language: "ruby",
		})
		assert.Equal(t, evaluation.ReasonUnsupportedLanguage, evaluation.CodeOf(err))
	})

	assert.Equal(t, 0, s.backend.Running())
}
