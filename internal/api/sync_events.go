package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/orchestrator"
	"github.com/ignite/crm-sync/internal/progress"
)

// HandleJobEvents streams a job's progress as server-sent events.
//
// Event kinds on the wire: progress, complete, error, plus ping keepalives.
// Every progress/complete payload is a full JobRecord snapshot. The stream
// closes after complete or error; a plain connection drop is NOT terminal
// and clients reconnect to the same job_id.
func (h *Handlers) HandleJobEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	jobID := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	// Subscribe before reading the snapshot so a terminal transition in
	// between cannot be missed.
	subID := fmt.Sprintf("sse-%d", time.Now().UnixNano())
	ch := h.hub.Subscribe(jobID, subID)
	defer h.hub.Unsubscribe(jobID, subID)

	job, err := h.orch.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			writeSSE(w, flusher, progress.Event{Kind: progress.KindError, JobID: jobID, Message: "job not found"})
		} else {
			writeSSE(w, flusher, progress.Event{Kind: progress.KindError, JobID: jobID, Message: "job status unavailable"})
		}
		return
	}

	// Replay the current state so late subscribers start from truth.
	if job.Status.Terminal() {
		writeSSE(w, flusher, progress.Event{Kind: progress.KindComplete, JobID: jobID, Job: job})
		return
	}
	writeSSE(w, flusher, progress.Event{Kind: progress.KindProgress, JobID: jobID, Job: job})
	lastProcessed := job.ProcessedCount

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			// Events queued before the snapshot read are stale; snapshots
			// must never move backwards on one stream.
			if ev.Job != nil && !ev.Terminal() && ev.Job.ProcessedCount < lastProcessed {
				continue
			}
			if ev.Job != nil {
				lastProcessed = ev.Job.ProcessedCount
			}
			writeSSE(w, flusher, ev)
			if ev.Terminal() {
				return
			}
		case <-ping.C:
			fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev progress.Event) {
	payload := ev.Job
	if payload == nil {
		payload = &domain.JobRecord{JobID: ev.JobID}
	}
	var data []byte
	if ev.Kind == progress.KindError {
		data, _ = json.Marshal(map[string]string{"job_id": ev.JobID, "message": ev.Message})
	} else {
		data, _ = json.Marshal(payload)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	flusher.Flush()
}
