package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/progress"
)

// ErrStreamClosed marks a progress stream that ended without a terminal
// event — a connection drop, not a job outcome. Callers reconnect.
var ErrStreamClosed = errors.New("progress stream closed before terminal event")

// Stream is one live progress subscription.
type Stream struct {
	events chan progress.Event
	cancel context.CancelFunc
	err    error
	done   chan struct{}
}

// Events delivers progress/complete/error events in order. Closed when the
// stream ends for any reason.
func (s *Stream) Events() <-chan progress.Event { return s.events }

// Close tears down the underlying connection. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
}

// Err reports how the stream ended: nil after a terminal event,
// ErrStreamClosed on a drop, or the read error. Valid once Events is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// SubscribeProgress opens the job's SSE stream. The returned Stream's Events
// channel replays the current snapshot first, then pushes updates until a
// terminal event or a disconnect.
func (c *Client) SubscribeProgress(ctx context.Context, jobID string) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sync/jobs/"+jobID+"/events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.accountID != "" {
		req.Header.Set("X-Account-ID", c.accountID)
	}

	resp, err := c.sseClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening progress stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("progress stream rejected (status %d)", resp.StatusCode)
	}

	s := &Stream{
		events: make(chan progress.Event, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.events)
		defer resp.Body.Close()
		s.err = readEvents(ctx, resp.Body, jobID, s.events)
	}()

	return s, nil
}

// readEvents parses the SSE wire format: "event:"/"data:" line pairs
// separated by blank lines. Ping keepalives are swallowed.
func readEvents(ctx context.Context, body io.Reader, jobID string, out chan<- progress.Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var kind, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "":
			if kind == "" {
				continue
			}
			ev, terminal, err := decodeEvent(kind, data, jobID)
			kind, data = "", ""
			if err != nil {
				return err
			}
			if ev == nil {
				continue
			}
			select {
			case out <- *ev:
			case <-ctx.Done():
				return ctx.Err()
			}
			if terminal {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return ErrStreamClosed
}

func decodeEvent(kind, data, jobID string) (*progress.Event, bool, error) {
	switch progress.EventKind(kind) {
	case progress.KindProgress, progress.KindComplete:
		var job domain.JobRecord
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, false, fmt.Errorf("malformed %s event: %w", kind, err)
		}
		ev := progress.Event{Kind: progress.EventKind(kind), JobID: job.JobID, Job: &job}
		return &ev, ev.Kind == progress.KindComplete, nil
	case progress.KindError:
		var payload struct {
			JobID   string `json:"job_id"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, false, fmt.Errorf("malformed error event: %w", err)
		}
		if payload.JobID == "" {
			payload.JobID = jobID
		}
		return &progress.Event{Kind: progress.KindError, JobID: payload.JobID, Message: payload.Message}, true, nil
	default:
		// ping or future kinds
		return nil, false, nil
	}
}
