// Package server exposes the storage gateway over HTTP: directory-style object
// listings scoped to the request's tenant, tenant administration, and health
// and metrics endpoints.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kubeflow/storage-api/pkg/config"
	"github.com/kubeflow/storage-api/pkg/metrics"
	"github.com/kubeflow/storage-api/pkg/objects"
	"github.com/kubeflow/storage-api/pkg/postgrest"
	"github.com/kubeflow/storage-api/pkg/tenancy"
	"github.com/kubeflow/storage-api/pkg/tenants"
)

// CatalogFactory builds a catalog client for one request. apiKey is the
// tenant's anon key and token the caller's bearer credential.
type CatalogFactory func(baseURL, apiKey, token string) objects.Catalog

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the gateway's HTTP surface.
type Server struct {
	cfg        *config.StorageConfig
	resolver   tenancy.TenantResolver
	secrets    tenants.SecretsSource
	store      tenants.Store
	cache      *tenants.ConfigCache
	pinger     Pinger
	newCatalog CatalogFactory
	metrics    *metrics.Metrics
	logger     *slog.Logger
	router     chi.Router
	startedAt  time.Time

	mu       sync.RWMutex
	warmDone bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTenantRegistry serves tenant secrets from cache and mounts the admin
// routes over store. It is required in multitenant mode.
func WithTenantRegistry(store tenants.Store, cache *tenants.ConfigCache) ServerOption {
	return func(s *Server) {
		s.store = store
		s.cache = cache
		if cache != nil {
			s.secrets = cache
		}
	}
}

// WithPinger sets the dependency checked by /readyz.
func WithPinger(p Pinger) ServerOption {
	return func(s *Server) {
		s.pinger = p
	}
}

// WithCatalogFactory overrides how per-request catalog clients are built.
func WithCatalogFactory(f CatalogFactory) ServerOption {
	return func(s *Server) {
		if f != nil {
			s.newCatalog = f
		}
	}
}

// NewServer creates a Server for cfg. Outside multitenant mode the tenant's
// secrets come straight from cfg.
func NewServer(cfg *config.StorageConfig, opts ...ServerOption) (*Server, error) {
	resolver, err := tenancy.NewResolver(tenancy.ModeFor(cfg.IsMultitenant), cfg.TenantID, cfg.XForwardedHostRegExp)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		secrets: tenants.StaticSource{Config: tenants.TenantConfig{
			AnonKey:     cfg.AnonKey,
			ServiceKey:  cfg.ServiceKey,
			JWTSecret:   cfg.JWTSecret,
			DatabaseURL: cfg.DatabaseURL,
		}},
		newCatalog: func(baseURL, apiKey, token string) objects.Catalog {
			return postgrest.New(baseURL, apiKey, token)
		},
		logger:    slog.Default(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.IsMultitenant && s.cache == nil {
		return nil, errors.New("multitenant mode requires a tenant registry")
	}
	if !cfg.IsMultitenant {
		// Nothing to warm.
		s.warmDone = true
	}
	return s, nil
}

// MarkWarm records that the startup warm pass has finished.
func (s *Server) MarkWarm() {
	s.mu.Lock()
	s.warmDone = true
	s.mu.Unlock()
}

// MountRoutes builds the HTTP router.
func (s *Server) MountRoutes() chi.Router {
	s.router = chi.NewRouter()

	s.router.Use(requestID(s.cfg.RequestIDHeader))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "apikey", "x-client-info"},
		ExposedHeaders:   []string{s.cfg.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(s.metrics.Middleware)

	s.router.Group(func(r chi.Router) {
		r.Use(tenancy.Middleware(s.resolver))
		r.Post("/object/list/{bucketName}", s.listObjectsHandler)
	})

	if s.store != nil && s.cache != nil {
		s.router.Route("/admin/tenants", func(r chi.Router) {
			r.Use(s.requireAdminKey)
			r.Get("/", s.listTenantsHandler)
			r.Get("/{tenantId}", s.getTenantHandler)
			r.Put("/{tenantId}", s.putTenantHandler)
			r.Delete("/{tenantId}", s.deleteTenantHandler)
			r.Delete("/{tenantId}/cache", s.invalidateTenantHandler)
		})
		s.logger.Info("mounted tenant admin routes", "adminKeys", len(s.cfg.AdminAPIKeys))
	}

	s.router.Get("/livez", s.healthHandler)
	s.router.Get("/readyz", s.readyHandler)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	return s.router
}

// Router returns the router built by MountRoutes.
func (s *Server) Router() chi.Router {
	return s.router
}

// healthHandler returns the liveness status of the server.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// readyHandler reports ready once the registry is reachable and the warm pass
// has completed.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	warmDone := s.warmDone
	s.mu.RUnlock()

	allReady := true

	dbStatus := map[string]string{"status": "up"}
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			dbStatus["status"] = "down"
			dbStatus["error"] = err.Error()
			allReady = false
		}
	} else {
		dbStatus["status"] = "not_configured"
	}

	warmStatus := map[string]string{"status": "complete"}
	if !warmDone {
		warmStatus["status"] = "pending"
		allReady = false
	}

	cacheStatus := map[string]any{"status": "not_configured"}
	if s.cache != nil {
		cacheStatus = map[string]any{"status": "up", "entries": s.cache.Len()}
	}

	status, code := "ready", http.StatusOK
	if !allReady {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"components": map[string]any{
			"database":     dbStatus,
			"warm":         warmStatus,
			"tenant_cache": cacheStatus,
		},
	})
}
