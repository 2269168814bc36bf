package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/kubeflow/storage-api/pkg/tenants"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a gateway error body.
func writeError(w http.ResponseWriter, status int, short, message string) {
	writeJSON(w, status, map[string]string{
		"statusCode": strconv.Itoa(status),
		"error":      short,
		"message":    message,
	})
}

// writeTenantError maps a tenant lookup failure onto an HTTP status. The body
// carries a fixed message per failure class; the wrapped cause can quote tenant
// secrets such as the database URL, so it only goes to the log.
func (s *Server) writeTenantError(w http.ResponseWriter, tenantID string, err error) {
	switch {
	case errors.Is(err, tenants.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "tenant_not_found", "tenant not found")
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("tenant lookup did not finish", "tenantId", tenantID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "tenant_not_ready", "tenant configuration is still loading, retry the request")
		return
	}

	s.logger.Error("tenant lookup failed", "tenantId", tenantID, "error", err)
	switch {
	case errors.Is(err, tenants.ErrMigrationFailed):
		writeError(w, http.StatusServiceUnavailable, "tenant_migration_failed", "tenant database migration failed")
	case errors.Is(err, tenants.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "tenant_store_unavailable", "tenant registry is unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
