package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kubeflow/storage-api/pkg/objects"
	"github.com/kubeflow/storage-api/pkg/tenancy"
)

// listObjectsBody is the request body of POST /object/list/{bucketName}.
type listObjectsBody struct {
	Prefix *string         `json:"prefix"`
	Limit  *int            `json:"limit"`
	Offset *int            `json:"offset"`
	SortBy *objects.SortBy `json:"sortBy"`
}

// listObjectsHandler returns the immediate children of a folder.
func (s *Server) listObjectsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := chi.URLParam(r, "bucketName")

	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_authorization", "authorization header with a bearer token is required")
		return
	}

	var body listObjectsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body: "+err.Error())
		return
	}
	if body.Prefix == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "body must have required property 'prefix'")
		return
	}

	query, err := objects.Plan(objects.ListRequest{
		BucketName: bucketName,
		Prefix:     *body.Prefix,
		Limit:      body.Limit,
		Offset:     body.Offset,
		SortBy:     body.SortBy,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	tenantID := tenancy.TenantIDFromContext(ctx)
	secrets, err := s.secrets.Get(ctx, tenantID)
	if err != nil {
		s.writeTenantError(w, tenantID, err)
		return
	}

	catalog := s.newCatalog(s.cfg.TenantBaseURL(tenantID), secrets.AnonKey, token)
	results, err := objects.Execute(ctx, query, catalog)
	if err != nil {
		s.logger.Error("object listing failed",
			"tenantId", tenantID,
			"bucket", bucketName,
			"prefix", query.Prefix,
			"error", err)

		var ce *objects.CatalogError
		if errors.As(err, &ce) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(ce.ResponseStatus())
			_, _ = w.Write(ce.ResponseBody())
			return
		}
		writeError(w, http.StatusBadGateway, "catalog_unavailable", "storage catalog is unavailable")
		return
	}

	writeJSON(w, http.StatusOK, results)
}

// bearerToken extracts the credential from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
