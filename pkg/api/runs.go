package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/jobs"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/store"
)

// JobInfo describes a registered job
type JobInfo struct {
	Name     string `json:"name"`
	PageSize int    `json:"page_size"`
}

// ListJobs lists the registered jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	reg := h.runner.Registry()
	names := reg.Names()
	infos := make([]JobInfo, 0, len(names))
	for _, name := range names {
		handler, err := reg.Get(name)
		if err != nil {
			continue
		}
		infos = append(infos, JobInfo{Name: name, PageSize: handler.PageSize()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  infos,
		"count": len(infos),
	})
}

// StartJob creates a run and publishes its first page
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	job := mux.Vars(r)["job"]

	var req models.JobRequest
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	run, err := h.runner.Start(r.Context(), job, req.Params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// ListRuns lists runs, newest first
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := h.store.ListRuns(r.Context(), models.RunFilter{
		Job:    q.Get("job"),
		Status: models.RunStatus(q.Get("status")),
		Limit:  queryInt(r, "limit", 50),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns one run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CancelRun stops a run before its next page
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runner.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, batch.ErrRunFinished) && run != nil {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error": err.Error(),
				"run":   run,
			})
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ConfirmPayouts creates an invoice for the program's pending payouts and
// starts preparing it.
func (h *Handler) ConfirmPayouts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	program, err := h.store.GetProgram(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := time.Now()
	invoice := &models.Invoice{
		ID:        models.NewID("inv"),
		ProgramID: program.ID,
		Currency:  program.Currency,
		Status:    models.InvoiceProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.CreateInvoice(ctx, invoice); err != nil {
		h.writeError(w, r, err)
		return
	}

	params, _ := json.Marshal(map[string]string{"programId": program.ID, "invoiceId": invoice.ID})
	run, err := h.runner.Start(ctx, jobs.PayoutsPrepare, params)
	if err != nil {
		if uerr := h.store.UpdateInvoiceStatus(ctx, invoice.ID, models.InvoiceFailed); uerr != nil {
			h.logger.Error("Failed to mark invoice failed", map[string]interface{}{"invoice_id": invoice.ID, "error": uerr.Error()})
		}
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Payouts confirmed", map[string]interface{}{
		"program_id": program.ID,
		"invoice_id": invoice.ID,
		"run_id":     run.ID,
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"invoice": invoice,
		"run":     run,
	})
}

// GetInvoice returns one invoice
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.store.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

// SendInvoice starts transferring a ready invoice's payouts. The invoice
// moves to sending first so only one send run is started per invoice.
func (h *Handler) SendInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]
	if err := h.store.TransitionInvoice(ctx, id, models.InvoiceReady, models.InvoiceSending); err != nil {
		if !errors.Is(err, store.ErrInvalidTransition) {
			h.writeError(w, r, err)
			return
		}
		status := "not ready"
		if invoice, gerr := h.store.GetInvoice(ctx, id); gerr == nil {
			status = string(invoice.Status)
		}
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "invoice is " + status + ", not ready",
		})
		return
	}

	params, _ := json.Marshal(map[string]string{"invoiceId": id})
	run, err := h.runner.Start(ctx, jobs.PayoutsSend, params)
	if err != nil {
		if uerr := h.store.TransitionInvoice(ctx, id, models.InvoiceSending, models.InvoiceReady); uerr != nil {
			h.logger.Error("Failed to release invoice", map[string]interface{}{"invoice_id": id, "error": uerr.Error()})
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// ListMessages shows local queue messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.store.ListMessages(r.Context(), models.MessageStatus(r.URL.Query().Get("status")), queryInt(r, "limit", 100))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}
