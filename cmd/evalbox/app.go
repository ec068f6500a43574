package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/evalbox/config"
	"github.com/isdmx/evalbox/engine"
	"github.com/isdmx/evalbox/logger"
	"github.com/isdmx/evalbox/mcpserver"
	"github.com/isdmx/evalbox/policy"
	"github.com/isdmx/evalbox/sandbox"
	"github.com/isdmx/evalbox/store"
	"github.com/isdmx/evalbox/telemetry"
)

// components provides every service of the server. Lifecycle hooks are
// registered by the providers, so start and stop order follows the
// dependency graph.
func components(c *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(c),
		fx.Provide(
			logger.NewFromConfig,
			newMetrics,
			newSink,
			newResultStore,
			newRuntime,
			newProvisioner,
			newResolver,
			newEngine,
			func(e *engine.Engine) mcpserver.Engine { return e },
			mcpserver.New,
		),
		fx.WithLogger(logger.FxLogger),
	)
}

func newMetrics(lc fx.Lifecycle, c *config.Config, log *zap.Logger) (*telemetry.Metrics, error) {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if c.Metrics.Enabled {
		srv := telemetry.NewMetricsServer(log.Named("metrics"), m, c.Metrics.Addr)
		lc.Append(fx.Hook{OnStart: srv.Start, OnStop: srv.Stop})
	}
	return m, nil
}

func newSink(log *zap.Logger, m *telemetry.Metrics) telemetry.Sink {
	return telemetry.Multi{telemetry.NewZapSink(log), m}
}

func newResultStore(lc fx.Lifecycle, c *config.Config) (store.ResultStore, error) {
	s, err := store.New(context.Background(), store.Options{Driver: c.Store.Driver, Path: c.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open result store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return s.Close() }})
	return s, nil
}

func newRuntime(lc fx.Lifecycle, c *config.Config, log *zap.Logger, sink telemetry.Sink) (*sandbox.Runtime, error) {
	backends, err := sandbox.NewBackends(log, sandbox.BackendOptions{
		Names:       c.Isolation.Backends,
		EnableLocal: c.Isolation.EnableLocalBackend,
	})
	if err != nil {
		return nil, err
	}
	rt, err := sandbox.NewRuntime(log, backends,
		sandbox.WithProbeSchedule(c.Isolation.ProbeSchedule),
		sandbox.WithRuntimeSink(sink))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: rt.Start,
		OnStop: func(context.Context) error {
			rt.Stop()
			return nil
		},
	})
	return rt, nil
}

func newProvisioner(lc fx.Lifecycle, c *config.Config, log *zap.Logger, rt *sandbox.Runtime, sink telemetry.Sink) (*sandbox.Provisioner, error) {
	p, err := sandbox.NewProvisioner(log, rt, c.SandboxLanguages(),
		sandbox.WithRetryPolicy(c.RetryPolicy()),
		sandbox.WithProvisionerSink(sink),
		sandbox.WithWorkRoot(c.Isolation.WorkDir))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		p.Close()
		return nil
	}})
	return p, nil
}

func newResolver(c *config.Config) (*policy.Resolver, error) {
	tiers, err := c.TierLimits()
	if err != nil {
		return nil, err
	}
	return policy.NewResolver(tiers, c.LanguageTiers())
}

func newEngine(
	lc fx.Lifecycle,
	c *config.Config,
	log *zap.Logger,
	resolver *policy.Resolver,
	prov *sandbox.Provisioner,
	rt *sandbox.Runtime,
	results store.ResultStore,
	sink telemetry.Sink,
) (*engine.Engine, error) {
	settings := engine.Settings{
		MaxCodeBytes:    c.MaxCodeBytes(),
		QueueCapacity:   c.Engine.QueueCapacity,
		Slots:           c.Engine.Slots,
		ForceKillMargin: c.Engine.ForceKillMargin,
		Output:          c.OutputLimits(),
		SampleInterval:  engine.DefaultSettings.SampleInterval,
	}
	e, err := engine.New(log, settings, resolver, prov, rt, results, engine.WithSink(sink))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStart: e.Start, OnStop: e.Stop})
	return e, nil
}
