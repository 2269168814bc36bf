package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/storage-api/pkg/tenants"
)

// tenantResponse is the admin representation of a registry row.
type tenantResponse struct {
	ID string `json:"id"`
	tenants.TenantConfig
}

// requireAdminKey rejects requests whose apikey header is not an admin key.
func (s *Server) requireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("apikey")
		if key == "" || !s.isAdminKey(key) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "a valid admin apikey is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isAdminKey(key string) bool {
	for _, k := range s.cfg.AdminAPIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Server) listTenantsHandler(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		s.writeTenantError(w, "", err)
		return
	}
	resp := make([]tenantResponse, 0, len(all))
	for _, t := range all {
		resp = append(resp, tenantResponse{ID: t.ID, TenantConfig: t.Config})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTenantHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantId")
	cfg, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeTenantError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, tenantResponse{ID: id, TenantConfig: cfg})
}

// putTenantHandler stores the tenant row, then migrates its database and
// caches the new config. Requests for the tenant during the migration wait for
// it.
func (s *Server) putTenantHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "tenantId")

	var cfg tenants.TenantConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return
	}
	if err := validateTenantConfig(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	if err := s.store.Upsert(ctx, id, cfg); err != nil {
		s.writeTenantError(w, id, err)
		return
	}
	if err := s.cache.Refresh(ctx, id, cfg); err != nil {
		s.writeTenantError(w, id, err)
		return
	}

	s.logger.Info("tenant updated", "tenantId", id)
	writeJSON(w, http.StatusOK, tenantResponse{ID: id, TenantConfig: cfg})
}

func (s *Server) deleteTenantHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantId")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.writeTenantError(w, id, err)
		return
	}
	s.cache.Invalidate(id)
	s.logger.Info("tenant deleted", "tenantId", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) invalidateTenantHandler(w http.ResponseWriter, r *http.Request) {
	s.cache.Invalidate(chi.URLParam(r, "tenantId"))
	w.WriteHeader(http.StatusNoContent)
}

func validateTenantConfig(cfg tenants.TenantConfig) error {
	switch {
	case cfg.AnonKey == "":
		return errors.New("anonKey is required")
	case cfg.ServiceKey == "":
		return errors.New("serviceKey is required")
	case cfg.JWTSecret == "":
		return errors.New("jwtSecret is required")
	case cfg.DatabaseURL == "":
		return errors.New("databaseUrl is required")
	}
	return nil
}
