package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/queue"
)

// Cron runs one page of a job on behalf of the queue. The response is plain
// text; any 5xx makes the queue redeliver the page.
func (h *Handler) Cron(w http.ResponseWriter, r *http.Request) {
	job := mux.Vars(r)["job"]

	body, ok := readBody(w, r)
	if !ok {
		return
	}

	if h.verifier.Enabled() {
		url := ""
		if h.publicURL != "" {
			url = strings.TrimRight(h.publicURL, "/") + r.URL.Path
		}
		if err := h.verifier.Verify(r.Header.Get(queue.SignatureHeader), body, url); err != nil {
			h.logger.Warn("Rejected unsigned cron request", map[string]interface{}{
				"job":   job,
				"error": err.Error(),
			})
			http.Error(w, "Invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var payload models.JobPayload
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, fmt.Sprintf("Invalid payload: %v", err), http.StatusBadRequest)
			return
		}
	}
	if payload.Job == "" {
		payload.Job = job
	}
	if payload.Job != job {
		http.Error(w, fmt.Sprintf("Payload job %q does not match route %q", payload.Job, job), http.StatusBadRequest)
		return
	}

	outcome, err := h.runner.Run(r.Context(), payload)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, batch.ErrInvalidParams) || errors.Is(err, batch.ErrUnknownJob) {
			status = http.StatusBadRequest
		}
		h.logger.Error("Cron page failed", map[string]interface{}{
			"job":     job,
			"run_id":  payload.RunID,
			"retried": r.Header.Get("Upstash-Retried"),
			"error":   err.Error(),
		})
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, outcome.String())
}
