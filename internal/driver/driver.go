// Package driver is the client-side workflow engine for bulk sync: a small
// state machine that walks a batch through validate → confirm → send →
// results, survives disconnects and process restarts, and supports retrying
// the failed subset of a finished job.
package driver

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/crm-sync/internal/client"
	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/progress"
)

// State is the driver's workflow position.
type State string

const (
	// StateIdle — no batch loaded.
	StateIdle State = "idle"
	// StateValidating — a pre-flight check is in progress.
	StateValidating State = "validating"
	// StateConfirmed — a validated batch is waiting for the user to send
	// or discard it.
	StateConfirmed State = "confirmed"
	// StateSending — a job is running server-side; the driver is attached
	// to its progress stream.
	StateSending State = "sending"
	// StateResults — a terminal job's outcome is loaded for inspection,
	// retry, or export.
	StateResults State = "results"
)

// ErrInvalidState signals an operation called outside its workflow position.
var ErrInvalidState = errors.New("operation not valid in current driver state")

// ErrNoFailedContacts signals a retry on a job with nothing to retry.
var ErrNoFailedContacts = errors.New("job has no failed contacts to retry")

// ProgressStream is the subscription surface the driver consumes.
// *client.Stream satisfies it.
type ProgressStream interface {
	Events() <-chan progress.Event
	Close()
	Err() error
}

// Backend is the sync API surface the driver needs.
type Backend interface {
	ValidateBatch(ctx context.Context, contacts []domain.ContactRecord, campaignTag string) (*domain.ValidationOutcome, error)
	StartBulkSend(ctx context.Context, contacts []domain.ContactRecord, campaignTag string) (*client.StartResponse, error)
	SubscribeProgress(ctx context.Context, jobID string) (ProgressStream, error)
	GetJobStatus(ctx context.Context, jobID string) (*domain.JobRecord, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	GetDailyLimit(ctx context.Context) (*domain.RateLimitSnapshot, error)
}

// APIBackend adapts client.Client to Backend.
type APIBackend struct {
	*client.Client
}

// SubscribeProgress widens the concrete stream to the interface.
func (b APIBackend) SubscribeProgress(ctx context.Context, jobID string) (ProgressStream, error) {
	return b.Client.SubscribeProgress(ctx, jobID)
}

// Driver runs one batch workflow at a time for one account.
//
// Send and Resume block until the job is terminal; State, Job, CancelJob and
// the OnUpdate callback are safe to use from other goroutines meanwhile.
type Driver struct {
	backend  Backend
	pointers *PointerStore

	// OnUpdate, when set, fires after every state or snapshot change.
	// Called without the driver lock held.
	OnUpdate func(State, *domain.JobRecord)

	mu      sync.Mutex
	state   State
	batch   []domain.ContactRecord
	tag     string
	outcome *domain.ValidationOutcome
	jobID   string
	job     *domain.JobRecord
}

// New creates a Driver in the idle state.
func New(backend Backend, pointers *PointerStore) *Driver {
	return &Driver{
		backend:  backend,
		pointers: pointers,
		state:    StateIdle,
	}
}

// State reports the current workflow position.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Job returns the latest snapshot of the attached or finished job, nil when
// none.
func (d *Driver) Job() *domain.JobRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.job == nil {
		return nil
	}
	return d.job.Clone()
}

// Outcome returns the last validation outcome, nil when none.
func (d *Driver) Outcome() *domain.ValidationOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcome
}

func (d *Driver) notify() {
	if d.OnUpdate == nil {
		return
	}
	d.mu.Lock()
	state, job := d.state, d.job
	if job != nil {
		job = job.Clone()
	}
	d.mu.Unlock()
	d.OnUpdate(state, job)
}

// Validate loads a batch and runs the server-side pre-flight check. On
// success with at least one valid contact the driver moves to confirmed;
// a batch with zero valid contacts bounces back to idle.
func (d *Driver) Validate(ctx context.Context, contacts []domain.ContactRecord, campaignTag string) (*domain.ValidationOutcome, error) {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: validate requires idle, driver is %s", ErrInvalidState, d.state)
	}
	d.state = StateValidating
	d.mu.Unlock()
	d.notify()

	outcome, err := d.backend.ValidateBatch(ctx, contacts, campaignTag)

	d.mu.Lock()
	if err != nil {
		d.state = StateIdle
		d.mu.Unlock()
		d.notify()
		return nil, err
	}
	d.outcome = outcome
	if outcome.ValidCount == 0 {
		d.state = StateIdle
		d.mu.Unlock()
		d.notify()
		return outcome, nil
	}
	d.batch = contacts
	d.tag = campaignTag
	d.state = StateConfirmed
	d.mu.Unlock()
	d.notify()
	return outcome, nil
}

// CancelPending discards a confirmed batch without sending anything.
func (d *Driver) CancelPending() error {
	d.mu.Lock()
	defer func() { d.mu.Unlock(); d.notify() }()
	if d.state != StateConfirmed {
		return fmt.Errorf("%w: cancel-pending requires confirmed, driver is %s", ErrInvalidState, d.state)
	}
	d.batch = nil
	d.tag = ""
	d.outcome = nil
	d.state = StateIdle
	return nil
}

// Send submits the confirmed batch and blocks until the job is terminal,
// riding out stream disconnects. The full batch goes up; per-contact
// validity is re-derived server-side.
func (d *Driver) Send(ctx context.Context) (*domain.JobRecord, error) {
	d.mu.Lock()
	if d.state != StateConfirmed {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: send requires confirmed, driver is %s", ErrInvalidState, d.state)
	}
	batch, tag := d.batch, d.tag
	d.mu.Unlock()

	resp, err := d.backend.StartBulkSend(ctx, batch, tag)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.jobID = resp.JobID
	d.state = StateSending
	d.mu.Unlock()
	d.notify()

	if d.pointers != nil {
		if err := d.pointers.Save(JobPointer{JobID: resp.JobID, CampaignTag: tag}); err != nil {
			log.Printf("[driver] failed to save job pointer: %v", err)
		}
	}

	return d.watch(ctx, resp.JobID)
}

// CancelJob asks the server to stop dispatching the running job. In-flight
// contacts still count; the terminal event arrives on the stream Send is
// consuming.
func (d *Driver) CancelJob(ctx context.Context) (bool, error) {
	d.mu.Lock()
	if d.state != StateSending || d.jobID == "" {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: cancel requires sending, driver is %s", ErrInvalidState, d.state)
	}
	jobID := d.jobID
	d.mu.Unlock()
	return d.backend.CancelJob(ctx, jobID)
}

// Resume re-attaches to the job recorded by a previous process, if any.
// Returns (nil, false, nil) when there is nothing to resume. A still-running
// job blocks until terminal, exactly like Send.
func (d *Driver) Resume(ctx context.Context) (*domain.JobRecord, bool, error) {
	d.mu.Lock()
	if d.state != StateIdle {
		d.mu.Unlock()
		return nil, false, fmt.Errorf("%w: resume requires idle, driver is %s", ErrInvalidState, d.state)
	}
	d.mu.Unlock()

	if d.pointers == nil {
		return nil, false, nil
	}
	ptr, err := d.pointers.Load()
	if err != nil {
		return nil, false, err
	}
	if ptr == nil {
		return nil, false, nil
	}

	job, err := d.backend.GetJobStatus(ctx, ptr.JobID)
	if err != nil {
		if errors.Is(err, client.ErrJobNotFound) {
			// Job expired server-side; the pointer is dead weight.
			d.pointers.Clear()
			return nil, false, nil
		}
		return nil, false, err
	}

	if job.Status.Terminal() {
		d.mu.Lock()
		d.jobID = job.JobID
		d.job = job
		d.tag = ptr.CampaignTag
		d.state = StateResults
		d.mu.Unlock()
		d.notify()
		d.pointers.Clear()
		return job, true, nil
	}

	d.mu.Lock()
	d.jobID = job.JobID
	d.job = job
	d.tag = ptr.CampaignTag
	d.state = StateSending
	d.mu.Unlock()
	d.notify()

	final, err := d.watch(ctx, job.JobID)
	return final, true, err
}

// RetryFailed builds a fresh batch from the finished job's failed contacts
// and runs it through validation, leaving the driver confirmed and ready to
// send. The new job gets its own identity and the original stays untouched.
func (d *Driver) RetryFailed(ctx context.Context) (*domain.ValidationOutcome, error) {
	d.mu.Lock()
	if d.state != StateResults || d.job == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: retry requires results, driver is %s", ErrInvalidState, d.state)
	}
	if len(d.job.FailedContacts) == 0 {
		d.mu.Unlock()
		return nil, ErrNoFailedContacts
	}
	retry := make([]domain.ContactRecord, 0, len(d.job.FailedContacts))
	for _, fc := range d.job.FailedContacts {
		retry = append(retry, fc.ContactData)
	}
	tag := d.tag
	if tag == "" {
		tag = d.job.CampaignTag
	}
	d.job = nil
	d.jobID = ""
	d.state = StateIdle
	d.mu.Unlock()
	d.notify()

	return d.Validate(ctx, retry, tag)
}

// Acknowledge leaves the results screen and returns to idle.
func (d *Driver) Acknowledge() error {
	d.mu.Lock()
	defer func() { d.mu.Unlock(); d.notify() }()
	if d.state != StateResults {
		return fmt.Errorf("%w: acknowledge requires results, driver is %s", ErrInvalidState, d.state)
	}
	d.job = nil
	d.jobID = ""
	d.batch = nil
	d.tag = ""
	d.outcome = nil
	d.state = StateIdle
	return nil
}

// DailyLimit passes through the advisory quota snapshot.
func (d *Driver) DailyLimit(ctx context.Context) (*domain.RateLimitSnapshot, error) {
	return d.backend.GetDailyLimit(ctx)
}

// ExportFailedCSV writes the finished job's failed contacts as CSV.
func (d *Driver) ExportFailedCSV(w io.Writer) error {
	d.mu.Lock()
	if d.state != StateResults || d.job == nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: export requires results, driver is %s", ErrInvalidState, d.state)
	}
	job := d.job.Clone()
	d.mu.Unlock()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"external_id", "first_name", "last_name", "email", "phone",
		"address1", "city", "state", "postal_code", "error_category", "error_message"}); err != nil {
		return err
	}
	for _, fc := range job.FailedContacts {
		c := fc.ContactData
		if err := cw.Write([]string{c.ExternalID, c.FirstName, c.LastName, c.Email, c.Phone,
			c.Address1, c.City, c.State, c.PostalCode, string(fc.Category), fc.Message}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// watch consumes the job's progress stream until a terminal event,
// reconnecting on drops with exponential backoff.
func (d *Driver) watch(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0 // keep trying as long as the job runs

	for {
		stream, err := d.backend.SubscribeProgress(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return d.Job(), ctx.Err()
			}
			log.Printf("[driver] progress stream unavailable for job %s: %v", jobID, err)
			if !d.sleep(ctx, bo.NextBackOff()) {
				return d.Job(), ctx.Err()
			}
			continue
		}

		final, terminal, err := d.consume(ctx, stream)
		if terminal || err != nil {
			return final, err
		}

		// Plain disconnect. The job may have finished while we were away;
		// the reconnect replays the terminal snapshot if so.
		log.Printf("[driver] progress stream dropped for job %s, reconnecting", jobID)
		if !d.sleep(ctx, bo.NextBackOff()) {
			return d.Job(), ctx.Err()
		}
	}
}

// consume drains one stream connection. terminal=true means the job ended;
// false with nil err means the connection dropped mid-job.
func (d *Driver) consume(ctx context.Context, stream ProgressStream) (*domain.JobRecord, bool, error) {
	defer stream.Close()

	for ev := range stream.Events() {
		switch ev.Kind {
		case progress.KindProgress:
			d.applySnapshot(ev.Job)
		case progress.KindComplete:
			d.applySnapshot(ev.Job)
			d.finish()
			return d.Job(), true, nil
		case progress.KindError:
			return d.resolveStreamError(ctx, ev.Message)
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, client.ErrStreamClosed) {
		if ctx.Err() != nil {
			return d.Job(), false, ctx.Err()
		}
		log.Printf("[driver] progress stream read error: %v", err)
	}
	return nil, false, nil
}

// resolveStreamError handles a server-sent error event. The event only means
// this observation failed; the job itself may still be running, so the truth
// comes from a status lookup. A job that is still processing is treated like
// a dropped connection and the watch loop reconnects. Only a job that is
// genuinely gone abandons the workflow.
func (d *Driver) resolveStreamError(ctx context.Context, msg string) (*domain.JobRecord, bool, error) {
	d.mu.Lock()
	jobID := d.jobID
	d.mu.Unlock()

	job, err := d.backend.GetJobStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, client.ErrJobNotFound) {
			d.abandon()
			return nil, true, fmt.Errorf("job %s no longer exists (%s)", jobID, msg)
		}
		if ctx.Err() != nil {
			return d.Job(), true, ctx.Err()
		}
		// Status lookup failed too; reconnect and try again.
		log.Printf("[driver] stream error for job %s (%s), status check failed: %v", jobID, msg, err)
		return nil, false, nil
	}

	if job.Status.Terminal() {
		d.applySnapshot(job)
		d.finish()
		return d.Job(), true, nil
	}

	log.Printf("[driver] stream error for job %s (%s), job still %s, reconnecting", jobID, msg, job.Status)
	return nil, false, nil
}

// abandon returns to idle after a job vanished server-side. The pointer is
// cleared so the next run does not chase the same dead job.
func (d *Driver) abandon() {
	d.mu.Lock()
	d.job = nil
	d.jobID = ""
	d.state = StateIdle
	d.mu.Unlock()
	d.notify()
	if d.pointers != nil {
		if err := d.pointers.Clear(); err != nil {
			log.Printf("[driver] failed to clear job pointer: %v", err)
		}
	}
}

// applySnapshot replaces the local view with a full snapshot. Stale replays
// (an older snapshot after a newer one, as happens across reconnects) are
// dropped so the rendered progress never moves backwards; re-applying the
// same snapshot is a no-op by construction.
func (d *Driver) applySnapshot(job *domain.JobRecord) {
	if job == nil {
		return
	}
	d.mu.Lock()
	if d.job != nil && !job.Status.Terminal() && job.ProcessedCount < d.job.ProcessedCount {
		d.mu.Unlock()
		return
	}
	d.job = job.Clone()
	d.mu.Unlock()
	d.notify()
}

func (d *Driver) finish() {
	d.mu.Lock()
	d.state = StateResults
	d.mu.Unlock()
	d.notify()
	if d.pointers != nil {
		if err := d.pointers.Clear(); err != nil {
			log.Printf("[driver] failed to clear job pointer: %v", err)
		}
	}
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}
