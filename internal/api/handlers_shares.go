package api

import (
	"net/http"
	"time"
)

// ShareGrantHandler handles POST /v1/shares
func (s *Server) ShareGrantHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	var req struct {
		Key             string     `json:"key"`
		Username        string     `json:"username"`
		PermissionLevel string     `json:"permission_level"`
		ExpiresAt       *time.Time `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	share, err := s.shares.Share(r.Context(), req.Key, principal, req.Username, req.PermissionLevel, req.ExpiresAt)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": share})
}

// ShareRevokeHandler handles POST /v1/shares/revoke
func (s *Server) ShareRevokeHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	var req struct {
		Key      string `json:"key"`
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.shares.Revoke(r.Context(), req.Key, principal, req.Username); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SharesReceivedHandler handles GET /v1/shares/received
func (s *Server) SharesReceivedHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	shares, err := s.shares.SharedWithMe(r.Context(), principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": shares})
}

// SharesGivenHandler handles GET /v1/shares/given
func (s *Server) SharesGivenHandler(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())

	shares, err := s.shares.SharedByMe(r.Context(), principal)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": shares})
}
