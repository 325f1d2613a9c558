package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/org/keyhaven/internal/validate"
	"github.com/org/keyhaven/pkg/models"
)

// UserCreateHandler handles POST /v1/sys/users
func (s *Server) UserCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validate.Username(req.Username); err != nil {
		writeServiceError(w, err)
		return
	}

	user := &models.User{Username: req.Username, CreatedAt: time.Now().UTC()}
	if err := s.backend.CreateUser(r.Context(), user); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": user})
}

// UserGetHandler handles GET /v1/sys/users/{username}
func (s *Server) UserGetHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.backend.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": user})
}

// RoleAssignHandler handles POST /v1/sys/roles
func (s *Server) RoleAssignHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      int64    `json:"user_id"`
		Name        string   `json:"name"`
		PathPattern string   `json:"path_pattern"`
		Permissions []string `json:"permissions"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Permissions) == 0 {
		writeError(w, http.StatusBadRequest, "name and permissions are required")
		return
	}
	for _, p := range req.Permissions {
		switch p {
		case models.PermRead, models.PermWrite, models.PermDelete, models.PermAdmin:
		default:
			writeError(w, http.StatusBadRequest, "unknown permission: "+p)
			return
		}
	}

	role := &models.Role{
		UserID:      req.UserID,
		Name:        req.Name,
		PathPattern: req.PathPattern,
		Permissions: req.Permissions,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.backend.AssignRole(r.Context(), role); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"data": role})
}

// RoleRemoveHandler handles DELETE /v1/sys/roles/{id}
func (s *Server) RoleRemoveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid role id")
		return
	}

	if err := s.backend.RemoveRole(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RoleListHandler handles GET /v1/sys/users/{username}/roles
func (s *Server) RoleListHandler(w http.ResponseWriter, r *http.Request) {
	user, err := s.backend.GetUserByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	roles, err := s.backend.RolesForUser(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": roles})
}
