package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/org/keyhaven/pkg/models"
)

// SecretCreateHandler handles POST /v1/secrets
func (s *Server) SecretCreateHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	var req struct {
		Key      string            `json:"key"`
		Value    []byte            `json:"value"`
		Metadata map[string]string `json:"metadata"`
		Type     string            `json:"secret_type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		req.Type = models.TypeRoleBased
	}

	sec, err := s.secrets.Create(r.Context(), req.Key, req.Value, principal, req.Metadata, req.Type)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": sec})
}

// SecretGetHandler handles GET /v1/secrets/data/*key
func (s *Server) SecretGetHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	key := chi.URLParam(r, "*")

	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		var err error
		version, err = strconv.Atoi(v)
		if err != nil || version < 0 {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
	}

	sec, value, err := s.secrets.Get(r.Context(), key, principal, version)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"secret": sec,
			"value":  value,
		},
	})
}

// SecretUpdateHandler handles PUT /v1/secrets/data/*key
func (s *Server) SecretUpdateHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	key := chi.URLParam(r, "*")

	var req struct {
		Value    []byte            `json:"value"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sec, err := s.secrets.Update(r.Context(), key, req.Value, principal, req.Metadata)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": sec})
}

// SecretRotateHandler handles POST /v1/secrets/rotate/*key
func (s *Server) SecretRotateHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	key := chi.URLParam(r, "*")

	var req struct {
		Value []byte `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sec, err := s.secrets.Rotate(r.Context(), key, req.Value, principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": sec})
}

// SecretDeleteHandler handles DELETE /v1/secrets/data/*key
func (s *Server) SecretDeleteHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	key := chi.URLParam(r, "*")

	if err := s.secrets.Delete(r.Context(), key, principal); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SecretListHandler handles GET /v1/secrets
func (s *Server) SecretListHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	limit, offset := 0, 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n > 0 {
			offset = n
		}
	}

	secrets, err := s.secrets.List(r.Context(), principal, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": secrets})
}

// SecretVersionsHandler handles GET /v1/secrets/versions/*key
func (s *Server) SecretVersionsHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	key := chi.URLParam(r, "*")

	versions, err := s.secrets.ListVersions(r.Context(), key, principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": versions})
}
