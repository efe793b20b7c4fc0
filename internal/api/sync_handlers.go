package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/orchestrator"
	"github.com/ignite/crm-sync/internal/pkg/httputil"
)

// batchRequest is the shared body for validate and start.
type batchRequest struct {
	Contacts    []domain.ContactRecord `json:"contacts"`
	CampaignTag string                 `json:"campaign_tag"`
}

// HandleValidate runs the pre-flight batch check. No CRM side effects.
func (h *Handlers) HandleValidate(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	outcome, err := h.orch.ValidateBatch(req.Contacts, req.CampaignTag)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.OK(w, outcome)
}

// HandleStartJob creates a JobRecord and begins dispatch. The full batch is
// submitted — per-contact validity is re-derived server-side. Returns 409
// while the account already has a processing job.
func (h *Handlers) HandleStartJob(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	job, err := h.orch.StartJob(r.Context(), accountID(r), req.CampaignTag, req.Contacts)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrAccountBusy):
			httputil.Conflict(w, err.Error())
		case errors.Is(err, orchestrator.ErrEmptyBatch),
			errors.Is(err, orchestrator.ErrBatchTooLarge),
			errors.Is(err, orchestrator.ErrMissingTag):
			httputil.BadRequest(w, err.Error())
		default:
			httputil.InternalError(w, err)
		}
		return
	}

	httputil.Created(w, map[string]interface{}{
		"job_id":      job.JobID,
		"status":      job.Status,
		"total_count": job.TotalCount,
	})
}

// HandleGetJob returns the job's current snapshot. Used by clients for
// resumability checks, not steady-state polling — progress is pushed.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.orch.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			httputil.NotFound(w, "job not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, job)
}

// HandleListJobs returns the account's recent jobs, newest first.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.orch.ListJobs(r.Context(), accountID(r), limit)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"jobs": jobs})
}

// HandleCancelJob requests cancellation. In-flight upserts finish and count;
// the terminal event arrives on the progress stream.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	err := h.orch.CancelJob(jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotRunning) {
			httputil.OK(w, map[string]interface{}{"cancelled": false})
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"cancelled": true})
}

// HandleRateLimit returns the advisory daily-quota view.
func (h *Handlers) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	snap, err := h.orch.RateLimit(r.Context(), accountID(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, snap)
}

// HandleFailedCSV exports a terminal job's failed contacts as CSV — a pure
// projection of failed_contacts.
func (h *Handlers) HandleFailedCSV(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")

	job, err := h.orch.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			httputil.NotFound(w, "job not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="failed-contacts-%s.csv"`, jobID))

	cw := csv.NewWriter(w)
	cw.Write([]string{"external_id", "first_name", "last_name", "email", "phone",
		"address1", "city", "state", "postal_code", "error_category", "error_message"})
	for _, fc := range job.FailedContacts {
		c := fc.ContactData
		cw.Write([]string{c.ExternalID, c.FirstName, c.LastName, c.Email, c.Phone,
			c.Address1, c.City, c.State, c.PostalCode, string(fc.Category), fc.Message})
	}
	cw.Flush()
}

// HealthCheck reports service and dependency health.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "ok", "redis": "ok"}
	code := http.StatusOK

	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			status["database"] = "down"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(r.Context()).Err(); err != nil {
			status["redis"] = "down"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	httputil.JSON(w, code, status)
}
