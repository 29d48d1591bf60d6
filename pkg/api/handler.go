// Package api serves the cron routes the queue calls and the operator API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/partnerbatch/pkg/auth"
	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/queue"
	"github.com/psantana5/partnerbatch/pkg/store"
)

const maxBodyBytes = 1 << 20

// Config wires a Handler
type Config struct {
	Runner   *batch.Runner
	Store    store.Store
	Verifier *queue.Verifier     // nil or keyless disables signature checks
	APIKeys  *auth.APIKeyManager // nil or keyless leaves the API open
	// PublicURL is the base URL the queue calls; when set the signature
	// subject must match it plus the request path.
	PublicURL string
	Logger    *logging.Logger
}

// Handler serves all routes
type Handler struct {
	runner    *batch.Runner
	store     store.Store
	verifier  *queue.Verifier
	apiKeys   *auth.APIKeyManager
	publicURL string
	logger    *logging.Logger
	hostStats func() HostStats
	startedAt time.Time
}

// NewHandler creates a handler
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	apiKeys := cfg.APIKeys
	if apiKeys == nil {
		apiKeys = auth.NewAPIKeyManager()
	}
	return &Handler{
		runner:    cfg.Runner,
		store:     cfg.Store,
		verifier:  cfg.Verifier,
		apiKeys:   apiKeys,
		publicURL: cfg.PublicURL,
		logger:    logger.WithField("component", "api"),
		hostStats: collectHostStats,
		startedAt: time.Now(),
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Queue callbacks, authenticated by signature
	r.HandleFunc("/cron/{job}", h.Cron).Methods("POST")

	// Operator API (register specific routes before parameterized routes)
	r.Handle("/jobs", h.authed(h.ListJobs)).Methods("GET")
	r.Handle("/jobs/{job}", h.authed(h.StartJob)).Methods("POST")
	r.Handle("/runs", h.authed(h.ListRuns)).Methods("GET")
	r.Handle("/runs/{id}", h.authed(h.GetRun)).Methods("GET")
	r.Handle("/runs/{id}/cancel", h.authed(h.CancelRun)).Methods("POST")
	r.Handle("/programs/{id}/payouts/confirm", h.authed(h.ConfirmPayouts)).Methods("POST")
	r.Handle("/invoices/{id}", h.authed(h.GetInvoice)).Methods("GET")
	r.Handle("/invoices/{id}/send", h.authed(h.SendInvoice)).Methods("POST")
	r.Handle("/messages", h.authed(h.ListMessages)).Methods("GET")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

func (h *Handler) authed(fn http.HandlerFunc) http.Handler {
	return h.apiKeys.Middleware(fn)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, batch.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrUnknownJob), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrRunFinished), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// readBody reads the request body, answering 413 instead of truncating
// bodies over maxBodyBytes. ok is false once a response has been written.
func readBody(w http.ResponseWriter, r *http.Request) (body []byte, ok bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		http.Error(w, "Internal server error", status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
