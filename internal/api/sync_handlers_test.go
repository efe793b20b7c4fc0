package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/orchestrator"
	"github.com/ignite/crm-sync/internal/progress"
	"github.com/ignite/crm-sync/internal/ratelimit"
)

// stubUpserter approves every contact after a short latency so tests can
// observe jobs mid-flight.
type stubUpserter struct {
	delay time.Duration
	fn    func(c domain.ContactRecord) (*crm.UpsertResult, error)
}

func (s *stubUpserter) UpsertContact(ctx context.Context, c domain.ContactRecord) (*crm.UpsertResult, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fn != nil {
		return s.fn(c)
	}
	return &crm.UpsertResult{Outcome: crm.OutcomeCreated}, nil
}

func newTestServer(t *testing.T, up crm.Upserter) (*httptest.Server, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hub := progress.NewHub()
	store := orchestrator.NewJobStore(db, rdb, time.Hour)
	limiter := ratelimit.New(rdb, 0)
	orch := orchestrator.New(store, hub, limiter, up, rdb, nil, orchestrator.Options{Workers: 2})

	srv := httptest.NewServer(SetupRoutes(NewHandlers(orch, hub, db, rdb), []string{"*"}))
	t.Cleanup(srv.Close)
	return srv, mock
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func batchBody(n int, tag string) map[string]any {
	contacts := make([]domain.ContactRecord, n)
	for i := range contacts {
		contacts[i] = domain.ContactRecord{
			ExternalID: fmt.Sprintf("c-%d", i),
			Email:      fmt.Sprintf("c%d@example.com", i),
		}
	}
	return map[string]any{"contacts": contacts, "campaign_tag": tag}
}

func TestHandleValidate(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpserter{})

	body := batchBody(3, "spring")
	body["contacts"] = append(body["contacts"].([]domain.ContactRecord),
		domain.ContactRecord{ExternalID: "bad"}) // no contact method

	resp := postJSON(t, srv.URL+"/api/sync/validate", body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out domain.ValidationOutcome
	json.NewDecoder(resp.Body).Decode(&out)
	if out.ValidCount != 3 || out.InvalidCount != 1 {
		t.Errorf("outcome = %+v, want 3 valid / 1 invalid", out)
	}
}

func TestHandleValidateRejectsEmptyBatch(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpserter{})

	resp := postJSON(t, srv.URL+"/api/sync/validate", map[string]any{"campaign_tag": "x"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStartJobAndStreamEvents(t *testing.T) {
	srv, mock := newTestServer(t, &stubUpserter{delay: 20 * time.Millisecond})
	mock.ExpectExec("INSERT INTO sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := postJSON(t, srv.URL+"/api/sync/jobs", batchBody(6, "spring"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var started struct {
		JobID      string `json:"job_id"`
		Status     string `json:"status"`
		TotalCount int    `json:"total_count"`
	}
	json.NewDecoder(resp.Body).Decode(&started)
	if started.JobID == "" || started.Status != "processing" || started.TotalCount != 6 {
		t.Fatalf("start response = %+v", started)
	}

	// Attach to the SSE stream and read through the terminal event.
	stream, err := http.Get(srv.URL + "/api/sync/jobs/" + started.JobID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var sawProgress, sawComplete bool
	var final domain.JobRecord
	scanner := bufio.NewScanner(stream.Body)
	var kind string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		switch kind {
		case "progress":
			sawProgress = true
			var snap domain.JobRecord
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				t.Fatalf("progress payload not a snapshot: %v", err)
			}
			if !snap.CountersConsistent() {
				t.Errorf("inconsistent snapshot on the wire: %+v", snap)
			}
		case "complete":
			sawComplete = true
			if err := json.Unmarshal([]byte(data), &final); err != nil {
				t.Fatalf("complete payload not a snapshot: %v", err)
			}
		}
		if sawComplete {
			break
		}
	}

	if !sawProgress {
		t.Error("no progress events observed")
	}
	if !sawComplete {
		t.Fatal("no complete event observed")
	}
	if final.Status != domain.StatusCompleted || final.ProcessedCount != 6 {
		t.Errorf("final snapshot = status %s processed %d, want completed/6", final.Status, final.ProcessedCount)
	}

	// The stream must end after complete: the server closes the response.
	if scanner.Scan() {
		extra := scanner.Text()
		for extra == "" && scanner.Scan() {
			extra = scanner.Text()
		}
		if extra != "" {
			t.Errorf("data after complete event: %q", extra)
		}
	}
}

func TestStreamEventsUnknownJob(t *testing.T) {
	srv, mock := newTestServer(t, &stubUpserter{})
	mock.ExpectQuery("SELECT (.+) FROM sync_jobs").WillReturnError(sql.ErrNoRows)

	resp, err := http.Get(srv.URL + "/api/sync/jobs/ghost/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			break
		}
	}
	if kind != "error" {
		t.Errorf("event kind = %q, want error", kind)
	}
	if !strings.Contains(data, "not found") {
		t.Errorf("error payload = %q, want a not-found message", data)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, mock := newTestServer(t, &stubUpserter{})
	mock.ExpectQuery("SELECT (.+) FROM sync_jobs").WillReturnError(sql.ErrNoRows)

	resp, err := http.Get(srv.URL + "/api/sync/jobs/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelUnknownJobReportsFalse(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpserter{})

	resp := postJSON(t, srv.URL+"/api/sync/jobs/ghost/cancel", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	json.NewDecoder(resp.Body).Decode(&out)
	if out.Cancelled {
		t.Error("cancelled = true for a job that is not running")
	}
}

func TestSecondJobSameAccountConflicts(t *testing.T) {
	srv, mock := newTestServer(t, &stubUpserter{delay: 50 * time.Millisecond})
	mock.ExpectExec("INSERT INTO sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := postJSON(t, srv.URL+"/api/sync/jobs", batchBody(10, "spring"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first job status = %d, want 201", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/sync/jobs", batchBody(2, "summer"))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second job status = %d, want 409", resp.StatusCode)
	}
}

func TestRateLimitEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpserter{})

	resp, err := http.Get(srv.URL + "/api/sync/rate-limit")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap domain.RateLimitSnapshot
	json.NewDecoder(resp.Body).Decode(&snap)
	if snap.DailyLimit != ratelimit.DefaultDailyLimit {
		t.Errorf("DailyLimit = %d, want default %d", snap.DailyLimit, ratelimit.DefaultDailyLimit)
	}
	if snap.WarningLevel != domain.WarningNormal {
		t.Errorf("WarningLevel = %s, want normal", snap.WarningLevel)
	}
}

func TestFailedCSVExport(t *testing.T) {
	up := &stubUpserter{
		delay: 2 * time.Millisecond,
		fn: func(c domain.ContactRecord) (*crm.UpsertResult, error) {
			if c.ExternalID == "c-1" {
				return nil, &crm.UpsertError{Category: domain.ErrCategoryAPI, Message: "boom"}
			}
			return &crm.UpsertResult{Outcome: crm.OutcomeCreated}, nil
		},
	}
	srv, mock := newTestServer(t, up)
	mock.ExpectExec("INSERT INTO sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sync_jobs").WillReturnResult(sqlmock.NewResult(1, 1))

	resp := postJSON(t, srv.URL+"/api/sync/jobs", batchBody(3, "spring"))
	var started struct {
		JobID string `json:"job_id"`
	}
	json.NewDecoder(resp.Body).Decode(&started)
	resp.Body.Close()

	// Wait for the job to finish via its status snapshot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		r, err := http.Get(srv.URL + "/api/sync/jobs/" + started.JobID)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		var job domain.JobRecord
		json.NewDecoder(r.Body).Decode(&job)
		r.Body.Close()
		if job.Status.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	r, err := http.Get(srv.URL + "/api/sync/jobs/" + started.JobID + "/failed.csv")
	if err != nil {
		t.Fatalf("GET csv: %v", err)
	}
	defer r.Body.Close()
	if ct := r.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}
	var buf bytes.Buffer
	buf.ReadFrom(r.Body)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("CSV lines = %d, want header + 1 row: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[1], "c-1") || !strings.Contains(lines[1], "api_error") {
		t.Errorf("CSV row = %q, want c-1 with api_error", lines[1])
	}
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpserter{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
