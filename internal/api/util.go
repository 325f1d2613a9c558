package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/org/keyhaven/internal/access"
	"github.com/org/keyhaven/internal/crypto"
	"github.com/org/keyhaven/internal/sharing"
	"github.com/org/keyhaven/internal/storage"
	"github.com/org/keyhaven/internal/validate"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeServiceError maps a service-layer error onto the HTTP status space.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *validate.Error
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, sharing.ErrNotOwner),
		errors.Is(err, sharing.ErrNotShared),
		errors.Is(err, sharing.ErrShareExpired):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, crypto.ErrDecryptionFailure):
		// Never leak cryptographic detail to the client.
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
