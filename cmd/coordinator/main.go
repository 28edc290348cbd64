// Command coordinator runs the pacsync coordination plane: endpoint
// registration/auth, pool management, state snapshots, the sync
// operation state machine, and repository compatibility analysis.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pacsync/server/infrastructure/logging"
	"github.com/pacsync/server/infrastructure/metrics"
	"github.com/pacsync/server/infrastructure/middleware"
	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/endpoint"
	"github.com/pacsync/server/internal/pool"
	"github.com/pacsync/server/internal/repoanalysis"
	"github.com/pacsync/server/internal/state"
	"github.com/pacsync/server/internal/sync"
	"github.com/pacsync/server/internal/wsevents"
	"github.com/pacsync/server/pkg/config"
)

const serviceName = "pacsync-coordinator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(serviceName, cfg.Log.Level, pickFormat(cfg.Log.Structured))

	if cfg.Database.Type != config.DatabaseInternal {
		logger.WithContext(context.Background()).Error(
			"database.type=" + string(cfg.Database.Type) + " has no store implementation yet; falling back to internal")
	}

	m := metrics.Init(serviceName)

	tokens, err := auth.NewTokenManager(
		cfg.Security.JWTSecretKey,
		time.Duration(cfg.Security.TokenExpiryHours)*time.Hour,
		cfg.Security.AdminTokens,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token manager: %v\n", err)
		os.Exit(1)
	}

	endpoints := endpoint.NewService(endpoint.NewMemoryStore(), tokens)
	pools := pool.NewService(pool.NewMemoryStore(), endpoints)
	states := state.NewService(state.NewMemoryStore(), endpoints, pools)
	hub := wsevents.NewHub(logger)
	syncs := sync.NewService(sync.NewMemoryStore(), endpoints, pools, states, hub)
	syncs.StartWatchdog()
	defer syncs.StopWatchdog()

	var analyzer *repoanalysis.Service
	if cfg.Features.RepositoryAnalysis {
		analyzer = repoanalysis.NewService(endpoints, pools)
	}

	deps := &Deps{
		Logger:     logger,
		Tokens:     tokens,
		Endpoints:  endpoints,
		Pools:      pools,
		States:     states,
		Sync:       syncs,
		Analyzer:   analyzer,
		Hub:        hub,
		RateLimit:  cfg.API.RateLimitPerMinute,
	}

	router := newRouter(deps, m, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(server, 30*time.Second)
	shutdown.OnShutdown(func() {
		syncs.StopWatchdog()
	})
	shutdown.ListenForSignals()

	logger.WithContext(context.Background()).Info(fmt.Sprintf("coordinator listening on %s", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(3)
	}
}

func pickFormat(structured bool) string {
	if structured {
		return "json"
	}
	return "text"
}

// Deps bundles the coordinator's wired services for route construction.
type Deps struct {
	Logger    *logging.Logger
	Tokens    *auth.TokenManager
	Endpoints *endpoint.Service
	Pools     *pool.Service
	States    *state.Service
	Sync      *sync.Service
	Analyzer  *repoanalysis.Service
	Hub       *wsevents.Hub
	RateLimit int
}
