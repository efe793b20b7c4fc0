// Package client is the HTTP consumer of the sync API: request/response
// operations plus the SSE progress subscription. It is the transport behind
// the driver's state machine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/pkg/httpretry"
)

// ErrJobNotFound mirrors the server's 404 for expired/unknown jobs.
var ErrJobNotFound = errors.New("job not found")

// ErrAccountBusy mirrors the server's 409 when another job is active.
var ErrAccountBusy = errors.New("account already has an active sync job")

// StartResponse is the server's reply to a bulk send.
type StartResponse struct {
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	TotalCount int              `json:"total_count"`
}

// Client talks to one sync service on behalf of one account.
type Client struct {
	baseURL   string
	accountID string
	http      httpretry.HTTPDoer
	// sseClient has no timeout: progress streams stay open for the life
	// of a job.
	sseClient *http.Client
}

// New creates a Client. accountID may be empty for single-tenant setups.
func New(baseURL, accountID string) *Client {
	return &Client{
		baseURL:   baseURL,
		accountID: accountID,
		http: httpretry.NewRetryClient(&http.Client{
			Timeout: 30 * time.Second,
		}, 2),
		sseClient: &http.Client{},
	}
}

type batchPayload struct {
	Contacts    []domain.ContactRecord `json:"contacts"`
	CampaignTag string                 `json:"campaign_tag"`
}

// ValidateBatch runs the server-side pre-flight check.
func (c *Client) ValidateBatch(ctx context.Context, contacts []domain.ContactRecord, campaignTag string) (*domain.ValidationOutcome, error) {
	var outcome domain.ValidationOutcome
	err := c.postJSON(ctx, "/api/sync/validate", batchPayload{Contacts: contacts, CampaignTag: campaignTag}, &outcome)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// StartBulkSend submits the full batch and returns the new job identity.
func (c *Client) StartBulkSend(ctx context.Context, contacts []domain.ContactRecord, campaignTag string) (*StartResponse, error) {
	var resp StartResponse
	err := c.postJSON(ctx, "/api/sync/jobs", batchPayload{Contacts: contacts, CampaignTag: campaignTag}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJobStatus fetches the job's current snapshot. Used for resumability
// checks, not polling.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	var job domain.JobRecord
	if err := c.getJSON(ctx, "/api/sync/jobs/"+jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CancelJob requests cancellation; the terminal event still arrives on the
// progress stream.
func (c *Client) CancelJob(ctx context.Context, jobID string) (bool, error) {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := c.postJSON(ctx, "/api/sync/jobs/"+jobID+"/cancel", struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}

// ListJobs fetches the account's recent jobs, newest first. limit <= 0 uses
// the server default.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]*domain.JobRecord, error) {
	path := "/api/sync/jobs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var resp struct {
		Jobs []*domain.JobRecord `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetDailyLimit fetches the advisory quota snapshot.
func (c *Client) GetDailyLimit(ctx context.Context) (*domain.RateLimitSnapshot, error) {
	var snap domain.RateLimitSnapshot
	if err := c.getJSON(ctx, "/api/sync/rate-limit", &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, dst any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	return c.do(req, dst)
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dst)
}

func (c *Client) do(req *http.Request, dst any) error {
	if c.accountID != "" {
		req.Header.Set("X-Account-ID", c.accountID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sync API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		if dst == nil {
			return nil
		}
		return json.Unmarshal(body, dst)
	case http.StatusNotFound:
		return ErrJobNotFound
	case http.StatusConflict:
		return ErrAccountBusy
	default:
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Error != "" {
			return fmt.Errorf("sync API error (status %d): %s", resp.StatusCode, envelope.Error)
		}
		return fmt.Errorf("sync API error (status %d)", resp.StatusCode)
	}
}
