package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	svcerrors "github.com/pacsync/server/infrastructure/errors"
	"github.com/pacsync/server/infrastructure/httputil"
	"github.com/pacsync/server/infrastructure/metrics"
	"github.com/pacsync/server/infrastructure/middleware"
	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/pkg/config"
)

// newRouter wires the full coordinator HTTP/WebSocket surface, in the
// middleware order logging -> panic recovery -> metrics -> CORS -> body limit
// -> rate limiting -> bearer-claims injection -> dispatch. No request
// validation middleware runs in this chain; handlers decode and check their
// own input.
func newRouter(deps *Deps, m *metrics.Metrics, cfg *config.Config) http.Handler {
	r := mux.NewRouter()

	r.Use(middleware.LoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger).Handler)
	r.Use(middleware.MetricsMiddleware(serviceName, m))
	r.Use(middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)
	r.Use(middleware.NewBodyLimitMiddleware(0).Handler)
	r.Use(middleware.NewRateLimiterWithWindow(deps.RateLimit, time.Minute, deps.RateLimit, deps.Logger).Handler)
	r.Use(deps.Tokens.Middleware)

	health := middleware.NewHealthChecker(serviceName)
	health.RegisterCheck("persistence", func() error { return nil })
	r.HandleFunc("/health", health.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health/live", middleware.LivenessHandler()).Methods(http.MethodGet)
	ready := true
	r.HandleFunc("/health/ready", middleware.ReadinessHandler(&ready)).Methods(http.MethodGet)
	r.Handle("/metrics", adminOnly(deps, promhttp.Handler())).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	registerEndpointRoutes(api, deps)
	registerPoolRoutes(api, deps)
	registerStateRoutes(api, deps)
	registerSyncRoutes(api, deps)
	registerRepositoryRoutes(api, deps)
	registerPackageSyncRoutes(api, deps)

	return r
}

// adminOnly rejects any request whose bearer token isn't the configured
// admin token, independent of the normal per-route principal resolution.
func adminOnly(deps *Deps, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !deps.Tokens.PrincipalFromRequest(r).IsAdmin {
			httputil.Forbidden(w, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func vars(r *http.Request) map[string]string { return mux.Vars(r) }

// respond writes a success payload, or maps a *ServiceError / typed error to
// the appropriate HTTP status via the shared error taxonomy.
func respond(w http.ResponseWriter, r *http.Request, deps *Deps, data interface{}, err error) {
	if err != nil {
		if svcErr := svcerrors.GetServiceError(err); svcErr != nil {
			httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
			return
		}
		httputil.InternalError(w, "internal server error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, data)
}

// ---------------------------------------------------------------------------
// Endpoint management
// ---------------------------------------------------------------------------

type registerRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
}

type registerResponse struct {
	Endpoint  *domain.Endpoint `json:"endpoint"`
	AuthToken string           `json:"auth_token"`
}

func registerEndpointRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/endpoints/register", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		e, token, _, err := deps.Endpoints.Register(r.Context(), req.Name, req.Hostname)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		respond(w, r, deps, registerResponse{Endpoint: e, AuthToken: token}, nil)
	}).Methods(http.MethodPost)

	api.HandleFunc("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		var poolID *string
		if v := r.URL.Query().Get("pool_id"); v != "" {
			poolID = &v
		}
		list, err := deps.Endpoints.List(r.Context(), poolID)
		respond(w, r, deps, list, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/endpoints/{id}", func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Endpoints.Get(r.Context(), vars(r)["id"])
		respond(w, r, deps, e, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/endpoints/{id}", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		err := deps.Endpoints.Remove(r.Context(), principal, vars(r)["id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodDelete)

	api.HandleFunc("/endpoints/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status domain.SyncStatus `json:"status"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		principal := deps.Tokens.PrincipalFromRequest(r)
		e, err := deps.Endpoints.UpdateStatus(r.Context(), principal, vars(r)["id"], req.Status)
		respond(w, r, deps, e, err)
	}).Methods(http.MethodPut)

	api.HandleFunc("/endpoints/{id}/repositories", func(w http.ResponseWriter, r *http.Request) {
		var repos []domain.Repository
		if !httputil.DecodeJSON(w, r, &repos) {
			return
		}
		principal := deps.Tokens.PrincipalFromRequest(r)
		merged, err := deps.Endpoints.IngestRepositories(r.Context(), principal, vars(r)["id"], repos)
		respond(w, r, deps, merged, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/endpoints/{id}/repositories", func(w http.ResponseWriter, r *http.Request) {
		repos, err := deps.Endpoints.ListRepositories(r.Context(), vars(r)["id"])
		respond(w, r, deps, repos, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/endpoints/{id}/pool", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		if err := requireAdmin(principal); err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		poolID := r.URL.Query().Get("pool_id")
		if poolID == "" {
			respond(w, r, deps, nil, svcerrors.MissingParameter("pool_id"))
			return
		}
		err := deps.Pools.AssignEndpoint(r.Context(), principal, poolID, vars(r)["id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodPut)

	api.HandleFunc("/endpoints/{id}/pool", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		e, err := deps.Endpoints.Get(r.Context(), vars(r)["id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		if e.PoolID == nil {
			httputil.RespondNoContent(w)
			return
		}
		err = deps.Pools.RemoveEndpoint(r.Context(), principal, *e.PoolID, e.ID)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodDelete)
}

func requireAdmin(principal auth.Principal) error {
	if !principal.IsAdmin {
		return svcerrors.Forbidden("operation requires an admin token")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Pool management
// ---------------------------------------------------------------------------

type poolRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	SyncPolicy  domain.SyncPolicy `json:"sync_policy"`
}

func registerPoolRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		var req poolRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		p, err := deps.Pools.Create(r.Context(), principal, req.Name, req.Description)
		respond(w, r, deps, p, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Pools.List(r.Context())
		respond(w, r, deps, list, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/pools/{id}", func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Pools.Get(r.Context(), vars(r)["id"])
		respond(w, r, deps, p, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/pools/{id}", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		var req poolRequest
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		p, err := deps.Pools.UpdatePolicy(r.Context(), principal, vars(r)["id"], req.Name, req.Description, req.SyncPolicy)
		respond(w, r, deps, p, err)
	}).Methods(http.MethodPut)

	api.HandleFunc("/pools/{id}", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		cascade := httputil.QueryBool(r, "cascade", false)
		err := deps.Pools.Delete(r.Context(), principal, vars(r)["id"], cascade)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodDelete)

	api.HandleFunc("/pools/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := deps.Pools.Status(r.Context(), vars(r)["id"])
		respond(w, r, deps, status, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/pools/{id}/endpoints", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		var req struct {
			EndpointID string `json:"endpoint_id"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		err := deps.Pools.AssignEndpoint(r.Context(), principal, vars(r)["id"], req.EndpointID)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodPost)

	api.HandleFunc("/pools/{id}/endpoints/{endpoint_id}", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		err := deps.Pools.RemoveEndpoint(r.Context(), principal, vars(r)["id"], vars(r)["endpoint_id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		httputil.RespondNoContent(w)
	}).Methods(http.MethodDelete)
}

// ---------------------------------------------------------------------------
// State snapshots
// ---------------------------------------------------------------------------

func registerStateRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/states/{id}", func(w http.ResponseWriter, r *http.Request) {
		var snapshot domain.SystemState
		if !httputil.DecodeJSON(w, r, &snapshot) {
			return
		}
		saved, err := deps.States.Save(r.Context(), vars(r)["id"], snapshot)
		respond(w, r, deps, saved, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/states/{id}", func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.States.Get(r.Context(), vars(r)["id"])
		respond(w, r, deps, s, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/states/endpoint/{endpoint_id}", func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 0)
		list, err := deps.States.ListByEndpoint(r.Context(), vars(r)["endpoint_id"], limit)
		respond(w, r, deps, list, err)
	}).Methods(http.MethodGet)
}

// ---------------------------------------------------------------------------
// Sync operations
// ---------------------------------------------------------------------------

func registerSyncRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/sync/{endpoint_id}/sync-to-latest", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		op, err := deps.Sync.SyncToLatest(r.Context(), principal, vars(r)["endpoint_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/{endpoint_id}/set-as-latest", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		op, err := deps.Sync.SetAsLatest(r.Context(), principal, vars(r)["endpoint_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/{endpoint_id}/revert", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		op, err := deps.Sync.RevertToPrevious(r.Context(), principal, vars(r)["endpoint_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/operations/{op_id}", func(w http.ResponseWriter, r *http.Request) {
		op, err := deps.Sync.Get(r.Context(), vars(r)["op_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/sync/operations/{op_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		op, err := deps.Sync.Cancel(r.Context(), principal, vars(r)["op_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/operations/{op_id}/progress", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		var req struct {
			Stage         string `json:"stage"`
			Percentage    int    `json:"percentage"`
			CurrentAction string `json:"current_action"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		op, err := deps.Sync.ReportProgress(r.Context(), principal, vars(r)["op_id"], req.Stage, req.Percentage, req.CurrentAction)
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/operations/{op_id}/complete", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		op, err := deps.Sync.Complete(r.Context(), principal, vars(r)["op_id"])
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/operations/{op_id}/fail", func(w http.ResponseWriter, r *http.Request) {
		principal := deps.Tokens.PrincipalFromRequest(r)
		var req struct {
			ErrorMessage string `json:"error_message"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		op, err := deps.Sync.Fail(r.Context(), principal, vars(r)["op_id"], req.ErrorMessage)
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/sync/{endpoint_id}/operations", func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 0)
		list, err := deps.Sync.ListByEndpoint(r.Context(), vars(r)["endpoint_id"], limit)
		respond(w, r, deps, list, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/sync/pools/{pool_id}/operations", func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", 0)
		list, err := deps.Sync.ListByPool(r.Context(), vars(r)["pool_id"], limit)
		respond(w, r, deps, list, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/sync/{endpoint_id}/status", func(w http.ResponseWriter, r *http.Request) {
		deps.Hub.ServeWS(w, r, vars(r)["endpoint_id"])
	})
}

// ---------------------------------------------------------------------------
// Repository analysis
// ---------------------------------------------------------------------------

func registerRepositoryRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/repositories/analysis/{pool_id}", func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			httputil.ServiceUnavailable(w, "repository analysis is disabled")
			return
		}
		analysis, err := deps.Analyzer.Cached(r.Context(), vars(r)["pool_id"])
		respond(w, r, deps, analysis, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/repositories/analysis/{pool_id}/refresh", func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			httputil.ServiceUnavailable(w, "repository analysis is disabled")
			return
		}
		analysis, err := deps.Analyzer.Analyze(r.Context(), vars(r)["pool_id"])
		respond(w, r, deps, analysis, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/repositories/matrix/{pool_id}", func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			httputil.ServiceUnavailable(w, "repository analysis is disabled")
			return
		}
		analysis, err := deps.Analyzer.Cached(r.Context(), vars(r)["pool_id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		respond(w, r, deps, analysis.AvailabilityMatrix, nil)
	}).Methods(http.MethodGet)

	api.HandleFunc("/repositories/excluded/{pool_id}", func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			httputil.ServiceUnavailable(w, "repository analysis is disabled")
			return
		}
		analysis, err := deps.Analyzer.Cached(r.Context(), vars(r)["pool_id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		respond(w, r, deps, analysis.ExcludedPackages, nil)
	}).Methods(http.MethodGet)

	api.HandleFunc("/repositories/conflicts/{pool_id}", func(w http.ResponseWriter, r *http.Request) {
		if deps.Analyzer == nil {
			httputil.ServiceUnavailable(w, "repository analysis is disabled")
			return
		}
		analysis, err := deps.Analyzer.Cached(r.Context(), vars(r)["pool_id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		respond(w, r, deps, analysis.Conflicts, nil)
	}).Methods(http.MethodGet)

	api.HandleFunc("/repositories/endpoint/{endpoint_id}", func(w http.ResponseWriter, r *http.Request) {
		repos, err := deps.Endpoints.ListRepositories(r.Context(), vars(r)["endpoint_id"])
		respond(w, r, deps, repos, err)
	}).Methods(http.MethodGet)
}

// ---------------------------------------------------------------------------
// Package sync helpers: on-demand, never-persisted comparisons between an
// endpoint's latest reported state and its pool's target state.
// ---------------------------------------------------------------------------

func registerPackageSyncRoutes(api *mux.Router, deps *Deps) {
	api.HandleFunc("/package-sync/pools/{pool_id}/package-count", func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Pools.Get(r.Context(), vars(r)["pool_id"])
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		count := 0
		if p.TargetStateID != nil {
			if target, err := deps.States.Get(r.Context(), *p.TargetStateID); err == nil {
				count = len(target.Packages)
			}
		}
		respond(w, r, deps, map[string]int{"package_count": count}, nil)
	}).Methods(http.MethodGet)

	api.HandleFunc("/package-sync/endpoints/{endpoint_id}/sync-status", func(w http.ResponseWriter, r *http.Request) {
		status, err := packageSyncStatus(r, deps, vars(r)["endpoint_id"])
		respond(w, r, deps, status, err)
	}).Methods(http.MethodGet)

	api.HandleFunc("/package-sync/endpoints/{endpoint_id}/sync", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DryRun bool `json:"dry_run"`
			Force  bool `json:"force"`
		}
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
		principal := deps.Tokens.PrincipalFromRequest(r)
		endpointID := vars(r)["endpoint_id"]
		status, err := packageSyncStatus(r, deps, endpointID)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		if req.DryRun {
			respond(w, r, deps, status, nil)
			return
		}
		if status.InSync && !req.Force {
			respond(w, r, deps, status, nil)
			return
		}
		op, err := deps.Sync.SyncToLatest(r.Context(), principal, endpointID)
		respond(w, r, deps, op, err)
	}).Methods(http.MethodPost)

	api.HandleFunc("/package-sync/pools/{pool_id}/endpoints/sync-summary", func(w http.ResponseWriter, r *http.Request) {
		poolID := vars(r)["pool_id"]
		p, err := deps.Pools.Get(r.Context(), poolID)
		if err != nil {
			respond(w, r, deps, nil, err)
			return
		}
		summary := make([]*domain.PackageSyncStatus, 0, len(p.EndpointIDs))
		for _, endpointID := range p.EndpointIDs {
			status, err := packageSyncStatus(r, deps, endpointID)
			if err != nil {
				continue
			}
			summary = append(summary, status)
		}
		respond(w, r, deps, summary, nil)
	}).Methods(http.MethodGet)
}

// packageSyncStatus derives the on-demand comparison between an endpoint's
// latest reported state and its pool's current target state. It is never
// persisted, kept distinct from domain.Endpoint.SyncStatus.
func packageSyncStatus(r *http.Request, deps *Deps, endpointID string) (*domain.PackageSyncStatus, error) {
	e, err := deps.Endpoints.Get(r.Context(), endpointID)
	if err != nil {
		return nil, err
	}
	status := &domain.PackageSyncStatus{EndpointID: endpointID, InSync: true}
	if e.PoolID == nil {
		return status, nil
	}
	p, err := deps.Pools.Get(r.Context(), *e.PoolID)
	if err != nil {
		return nil, err
	}
	if p.TargetStateID == nil {
		return status, nil
	}
	target, err := deps.States.Get(r.Context(), *p.TargetStateID)
	if err != nil {
		return nil, err
	}
	latest, err := deps.States.ListByEndpoint(r.Context(), endpointID, 1)
	if err != nil {
		return nil, err
	}
	current := map[string]string{}
	if len(latest) > 0 {
		for _, pkg := range latest[0].Packages {
			current[pkg.PackageName] = pkg.Version
		}
	}
	wanted := map[string]string{}
	for _, pkg := range target.Packages {
		wanted[pkg.PackageName] = pkg.Version
	}

	for name, version := range wanted {
		have, ok := current[name]
		if !ok {
			status.MissingPackages = append(status.MissingPackages, name)
			continue
		}
		if have != version {
			status.OutdatedPackages = append(status.OutdatedPackages, name)
		}
	}
	for name := range current {
		if _, ok := wanted[name]; !ok {
			status.ExtraPackages = append(status.ExtraPackages, name)
		}
	}
	status.InSync = len(status.MissingPackages) == 0 && len(status.OutdatedPackages) == 0 && len(status.ExtraPackages) == 0
	return status, nil
}
