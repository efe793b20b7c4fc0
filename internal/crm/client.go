// Package crm wraps the external CRM's contact-upsert API. Matching, dedup,
// and the actual write are the CRM's business; from this side an upsert is
// an opaque call returning created, updated, skipped, or a classified error.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ignite/crm-sync/internal/config"
	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/pkg/httpretry"
)

// Upserter performs one contact's upsert against the external CRM.
// Upserts are idempotent by external contact ID.
type Upserter interface {
	UpsertContact(ctx context.Context, contact domain.ContactRecord) (*UpsertResult, error)
}

// Client is an HTTP client for the CRM contact API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a CRM API client with retry on transient failures.
func NewClient(cfg config.CRMConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 2),
	}
}

// UpsertContact submits one contact. The response body is the CRM's verdict;
// non-2xx statuses are mapped onto the job error taxonomy.
func (c *Client) UpsertContact(ctx context.Context, contact domain.ContactRecord) (*UpsertResult, error) {
	payload, err := json.Marshal(contact)
	if err != nil {
		return nil, &UpsertError{Category: domain.ErrCategoryUnknown, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/contacts/upsert", bytes.NewReader(payload))
	if err != nil {
		return nil, &UpsertError{Category: domain.ErrCategoryUnknown, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UpsertError{Category: classifyTransport(err), Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpsertError{Category: domain.ErrCategoryNetwork, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var result UpsertResult
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &UpsertError{
				Category: domain.ErrCategoryAPI,
				Message:  fmt.Sprintf("unparseable CRM response: %v", err),
			}
		}
		if result.Outcome == "" {
			result.Outcome = OutcomeUpdated
		}
		return &result, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &UpsertError{
			Category: domain.ErrCategoryRateLimit,
			Message:  "CRM rejected the write: rate limited",
		}

	case resp.StatusCode == http.StatusUnprocessableEntity || resp.StatusCode == http.StatusBadRequest:
		return nil, &UpsertError{
			Category: domain.ErrCategoryValidation,
			Message:  truncateBody(body),
		}

	default:
		return nil, &UpsertError{
			Category: domain.ErrCategoryAPI,
			Message:  fmt.Sprintf("CRM API error (status %d): %s", resp.StatusCode, truncateBody(body)),
		}
	}
}

func classifyTransport(err error) domain.ErrorCategory {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrCategoryNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCategoryNetwork
	}
	return domain.ErrCategoryUnknown
}

func truncateBody(body []byte) string {
	const max = 500
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// Timeout guard so a hung CRM call cannot wedge a worker forever even when
// the caller passes a background context.
const maxUpsertWait = 60 * time.Second

// WithCallTimeout wraps an Upserter so every call carries a deadline.
func WithCallTimeout(u Upserter, timeout time.Duration) Upserter {
	if timeout <= 0 {
		timeout = maxUpsertWait
	}
	return &timeoutUpserter{inner: u, timeout: timeout}
}

type timeoutUpserter struct {
	inner   Upserter
	timeout time.Duration
}

func (t *timeoutUpserter) UpsertContact(ctx context.Context, contact domain.ContactRecord) (*UpsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.UpsertContact(ctx, contact)
}
