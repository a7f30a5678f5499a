package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridianhealth/provider-validation/internal/notify"
	"github.com/meridianhealth/provider-validation/internal/orchestrator"
	"github.com/meridianhealth/provider-validation/internal/resilience"
	"github.com/meridianhealth/provider-validation/internal/store"
	"github.com/meridianhealth/provider-validation/internal/trust"
	"github.com/meridianhealth/provider-validation/pkg/agent"
)

// appEnv bundles the wired application components shared by commands.
type appEnv struct {
	Store store.Store
	Hub   *notify.Hub
	Trust *trust.Engine
	Agent agent.Client
	Orch  *orchestrator.Orchestrator
}

func (e *appEnv) Close() {
	e.Orch.Close()
	_ = e.Store.Close()
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "validation.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv wires the store, notification hub, trust engine, agent gateway,
// and orchestrator, and runs migrations plus trust seed initialization.
func initEnv(ctx context.Context) (*appEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	hub := notify.NewHub()
	trustEngine := trust.NewEngine(st)

	if cfg.Trust.SeedCatalogPath != "" {
		seeds, err := trust.LoadSeedCatalog(cfg.Trust.SeedCatalogPath)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load trust seed catalog")
		}
		if err := trustEngine.InitializeSeeds(ctx, seeds); err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "initialize trust seeds")
		}
	} else if err := trustEngine.InitializeDefaults(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "initialize trust seeds")
	}

	agentClient := agent.NewClient(
		agent.WithBaseURL(cfg.Agent.BaseURL),
		agent.WithTimeout(time.Duration(cfg.Agent.TimeoutSecs)*time.Second),
		agent.WithRateLimit(cfg.Agent.RequestsPerSec, 1),
	)

	orch := orchestrator.New(orchestrator.Config{
		ProviderConcurrency: cfg.Orchestrator.ProviderConcurrency,
		AgentTimeout:        time.Duration(cfg.Agent.TimeoutSecs) * time.Second,
		Retry: resilience.FromConfig(
			cfg.Agent.RetryMaxAttempts,
			cfg.Agent.RetryInitialBackoffMs,
			cfg.Agent.RetryMaxBackoffMs,
		),
	}, st, agentClient, trustEngine, hub)

	return &appEnv{
		Store: st,
		Hub:   hub,
		Trust: trustEngine,
		Agent: agentClient,
		Orch:  orch,
	}, nil
}
