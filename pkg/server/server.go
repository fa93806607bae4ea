// Package server provides the public entry point for initializing the
// CodeLoom orchestration server.
//
// This package exists in pkg/ (not internal/) so embedders can compose the
// server with their own HTTP stack:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/codeloom/codeloom/internal/agents"
	"github.com/codeloom/codeloom/internal/api"
	"github.com/codeloom/codeloom/internal/api/handlers"
	"github.com/codeloom/codeloom/internal/bridge"
	"github.com/codeloom/codeloom/internal/config"
	"github.com/codeloom/codeloom/internal/consensus"
	"github.com/codeloom/codeloom/internal/health"
	"github.com/codeloom/codeloom/internal/project"
	"github.com/codeloom/codeloom/internal/provider"
	"github.com/codeloom/codeloom/internal/store"
	"github.com/codeloom/codeloom/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized CodeLoom orchestration core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (in-memory by default). Exposed so embedders
	// can swap persistence or inspect state.
	Store store.Store

	// Machine is the project build state machine.
	Machine *project.Machine

	// Health is the provider health monitor; Start/Stop its probe loop with
	// the server lifecycle.
	Health *health.Monitor

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and returns
// a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestration core with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("in-memory store initialized")

	registry, err := provider.FromConfigs(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("init providers: %w", err)
	}
	for i := range cfg.Providers {
		p := cfg.Providers[i]
		if err := dataStore.PutProvider(ctx, &p); err != nil {
			log.Warn().Err(err).Str("provider", p.Name).Msg("failed to persist provider config")
		}
	}
	log.Info().Strs("providers", registry.Names()).Msg("provider registry initialized")

	monitor := health.NewMonitor(registry,
		health.WithWindowSize(cfg.Health.WindowSize),
		health.WithTimeoutTripCount(cfg.Health.TimeoutTripCount),
		health.WithProbeInterval(time.Duration(cfg.Health.ProbeIntervalSecs)*time.Second),
	)
	agentReg := agents.NewRegistry(registry.Names())

	br := bridge.NewManager(registry, monitor, agentReg,
		bridge.WithMaxAttempts(cfg.Router.MaxAttempts),
		bridge.WithRateLimitCooldown(time.Duration(cfg.Router.RateLimitCooldownMs)*time.Millisecond),
		bridge.WithCacheSize(cfg.Router.ResponseCacheSize),
	)
	engine := consensus.NewEngine(br,
		consensus.WithFanout(cfg.Consensus.Fanout),
		consensus.WithQuorum(cfg.Consensus.Quorum),
	)
	machine := project.NewMachine(engine, dataStore,
		project.WithWorkers(cfg.Build.Workers),
		project.WithAgents(agentReg),
	)

	log.Info().Msg("provider bridge initialized")
	log.Info().Msg("consensus engine initialized")
	log.Info().Msg("build state machine initialized")

	h := handlers.New(machine, br, monitor, agentReg, cfg.Providers)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Machine:      machine,
		Health:       monitor,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
