package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/progress"
)

func TestValidateBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/validate" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Account-ID"); got != "acct-1" {
			t.Errorf("X-Account-ID = %q, want acct-1", got)
		}
		var req struct {
			Contacts    []domain.ContactRecord `json:"contacts"`
			CampaignTag string                 `json:"campaign_tag"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Contacts) != 2 || req.CampaignTag != "spring" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(domain.ValidationOutcome{ValidCount: 2})
	}))
	defer srv.Close()

	c := New(srv.URL, "acct-1")
	out, err := c.ValidateBatch(context.Background(), []domain.ContactRecord{
		{ExternalID: "a", Email: "a@example.com"},
		{ExternalID: "b", Email: "b@example.com"},
	}, "spring")
	if err != nil {
		t.Fatalf("ValidateBatch: %v", err)
	}
	if out.ValidCount != 2 {
		t.Errorf("ValidCount = %d, want 2", out.ValidCount)
	}
}

func TestStartBulkSendConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"account already has an active sync job"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").StartBulkSend(context.Background(),
		[]domain.ContactRecord{{ExternalID: "a", Email: "a@example.com"}}, "spring")
	if !errors.Is(err, ErrAccountBusy) {
		t.Errorf("error = %v, want ErrAccountBusy", err)
	}
}

func TestGetJobStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetJobStatus(context.Background(), "ghost")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestCancelJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/jobs/job-1/cancel" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"cancelled":true}`))
	}))
	defer srv.Close()

	ok, err := New(srv.URL, "").CancelJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if !ok {
		t.Error("cancelled = false, want true")
	}
}

func sseJob(processed int, status domain.JobStatus) string {
	job := domain.JobRecord{
		JobID:          "job-1",
		Status:         status,
		TotalCount:     10,
		ProcessedCount: processed,
		CreatedCount:   processed,
	}
	data, _ := json.Marshal(job)
	return string(data)
}

func TestSubscribeProgressReadsToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", sseJob(3, domain.StatusProcessing))
		fmt.Fprintf(w, "event: ping\ndata: {}\n\n")
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", sseJob(7, domain.StatusProcessing))
		fmt.Fprintf(w, "event: complete\ndata: %s\n\n", sseJob(10, domain.StatusCompleted))
		flusher.Flush()
	}))
	defer srv.Close()

	stream, err := New(srv.URL, "").SubscribeProgress(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer stream.Close()

	var kinds []progress.EventKind
	var processed []int
	for ev := range stream.Events() {
		kinds = append(kinds, ev.Kind)
		if ev.Job != nil {
			processed = append(processed, ev.Job.ProcessedCount)
		}
	}

	// Pings are swallowed; progress and complete come through in order.
	want := []progress.EventKind{progress.KindProgress, progress.KindProgress, progress.KindComplete}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("kinds[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
	if processed[0] != 3 || processed[1] != 7 || processed[2] != 10 {
		t.Errorf("processed = %v, want [3 7 10]", processed)
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err() after terminal = %v, want nil", err)
	}
}

func TestSubscribeProgressConnectionDrop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", sseJob(2, domain.StatusProcessing))
		w.(http.Flusher).Flush()
		// Connection drops without a terminal event.
	}))
	defer srv.Close()

	stream, err := New(srv.URL, "").SubscribeProgress(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer stream.Close()

	var got []progress.Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	if len(got) != 1 || got[0].Kind != progress.KindProgress {
		t.Fatalf("events = %+v, want one progress event", got)
	}
	if err := stream.Err(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Err() = %v, want ErrStreamClosed (drop is not an outcome)", err)
	}
}

func TestSubscribeProgressErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: error\ndata: {\"job_id\":\"job-1\",\"message\":\"job not found\"}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	stream, err := New(srv.URL, "").SubscribeProgress(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer stream.Close()

	ev, ok := <-stream.Events()
	if !ok {
		t.Fatal("stream closed before the error event")
	}
	if ev.Kind != progress.KindError || ev.Message != "job not found" {
		t.Errorf("event = %+v", ev)
	}
	if _, open := <-stream.Events(); open {
		t.Error("events after a terminal error event")
	}
	if err := stream.Err(); err != nil {
		t.Errorf("Err() = %v, want nil (error event is a clean terminal)", err)
	}
}

func TestSubscribeProgressCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: progress\ndata: %s\n\n", sseJob(1, domain.StatusProcessing))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := New(srv.URL, "").SubscribeProgress(ctx, "job-1")
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}

	<-stream.Events() // first event arrives
	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, open := <-stream.Events():
			if !open {
				return // closed promptly after cancellation
			}
		case <-deadline:
			t.Fatal("stream did not close after context cancellation")
		}
	}
}
