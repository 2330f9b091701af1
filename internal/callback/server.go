package callback

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"decklab/internal/logging"
)

// Path is the callback endpoint the worker is told to POST to.
const Path = "/api/analysis/callback"

// NewHandler mounts the callback endpoint. Validation failures are 4xx;
// dropped callbacks (no active job) are a successful 200 so the worker
// does not retry them.
func NewHandler(r *Router) http.Handler {
	m := mux.NewRouter()
	m.HandleFunc(Path, handle(r)).Methods(http.MethodPost)
	return m
}

// Register mounts the callback endpoint on an existing router, for
// serving alongside the rest of the HTTP API.
func Register(m *mux.Router, r *Router) {
	m.HandleFunc(Path, handle(r)).Methods(http.MethodPost)
}

func handle(r *Router) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var cb Envelope
		if err := json.NewDecoder(req.Body).Decode(&cb); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "malformed callback body",
			})
			return
		}

		err := r.Handle(&cb)
		var verr *ValidationError
		if errors.As(err, &verr) {
			logging.Callback("rejected %s callback for %s: %v", cb.Stage, cb.JobID, verr)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
			return
		}
		if err != nil {
			logging.Get(logging.CategoryCallback).Error(
				"callback %s for %s: %v", cb.Stage, cb.JobID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal error",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
