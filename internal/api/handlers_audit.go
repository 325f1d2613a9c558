package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/org/keyhaven/internal/storage"
)

// AuditLogHandler handles GET /v1/sys/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		SecretKey:   q.Get("key"),
		KeyContains: q.Get("key_contains"),
		Action:      q.Get("action"),
		Limit:       100,
	}

	if u := q.Get("user_id"); u != "" {
		id, err := strconv.ParseInt(u, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		filter.UserID = &id
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil && n > 0 {
			filter.Offset = n
		}
	}
	var perr error
	if filter.Since, perr = parseTimeParam(q.Get("since")); perr != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	if filter.Until, perr = parseTimeParam(q.Get("until")); perr != nil {
		writeError(w, http.StatusBadRequest, "invalid until timestamp")
		return
	}

	entries, err := s.auditor.Query(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": entries})
}

// AuditStatsHandler handles GET /v1/sys/audit-stats
func (s *Server) AuditStatsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since timestamp")
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid until timestamp")
		return
	}

	stats, err := s.auditor.Statistics(r.Context(), since, until)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": stats})
}

// AuditPurgeHandler handles POST /v1/sys/audit-purge
func (s *Server) AuditPurgeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DaysToKeep int `json:"days_to_keep"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	removed, err := s.auditor.Purge(r.Context(), req.DaysToKeep)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"removed": removed}})
}

func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
