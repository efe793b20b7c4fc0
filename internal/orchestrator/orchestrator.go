// Package orchestrator owns JobRecords: it accepts validated batches,
// dispatches per-contact upserts against the external CRM on a bounded
// worker pool, aggregates counters through a single writer, and emits
// progress snapshots until the job reaches a terminal status.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/crm"
	"github.com/ignite/crm-sync/internal/domain"
	"github.com/ignite/crm-sync/internal/pkg/distlock"
	"github.com/ignite/crm-sync/internal/pkg/logger"
	"github.com/ignite/crm-sync/internal/progress"
	"github.com/ignite/crm-sync/internal/ratelimit"
)

var (
	ErrEmptyBatch    = errors.New("contact batch is empty")
	ErrBatchTooLarge = errors.New("contact batch exceeds the maximum size")
	ErrMissingTag    = errors.New("campaign tag is required")
	ErrAccountBusy   = errors.New("account already has an active sync job")
	ErrJobNotRunning = errors.New("job is not running on this instance")
)

// Archiver receives terminal job records for cold storage. Best-effort:
// archival failures never affect the job outcome.
type Archiver interface {
	ArchiveJob(ctx context.Context, job *domain.JobRecord) error
}

// Options tunes the orchestrator.
type Options struct {
	// Workers bounds concurrent CRM calls per job.
	Workers int
	// MaxBatchSize caps contacts per job.
	MaxBatchSize int
	// EmitThreshold: jobs larger than this emit progress on EmitInterval
	// instead of per processed contact, keeping event volume bounded.
	EmitThreshold int
	EmitInterval  time.Duration
	// LockTTL bounds how long a crashed instance can hold an account busy.
	LockTTL time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 10
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = 5000
	}
	if o.EmitThreshold <= 0 {
		o.EmitThreshold = 500
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = 250 * time.Millisecond
	}
	if o.LockTTL <= 0 {
		o.LockTTL = time.Hour
	}
}

// Orchestrator drives bulk sync jobs. The JobRecord's counters are owned
// exclusively by the per-job aggregator goroutine; everyone else sees
// cloned snapshots.
type Orchestrator struct {
	store    *JobStore
	hub      *progress.Hub
	limiter  *ratelimit.Limiter
	upserter crm.Upserter
	redis    *redis.Client
	archiver Archiver
	opts     Options

	mu     sync.Mutex
	active map[string]*activeJob // job_id → cancellation handle
}

type activeJob struct {
	accountID      string
	cancelDispatch context.CancelFunc
	lock           distlock.DistLock
}

// New creates an Orchestrator. archiver may be nil.
func New(store *JobStore, hub *progress.Hub, limiter *ratelimit.Limiter,
	upserter crm.Upserter, redisClient *redis.Client, archiver Archiver, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{
		store:    store,
		hub:      hub,
		limiter:  limiter,
		upserter: upserter,
		redis:    redisClient,
		archiver: archiver,
		opts:     opts,
		active:   make(map[string]*activeJob),
	}
}

// ValidateBatch runs the pre-flight check. No CRM side effects.
func (o *Orchestrator) ValidateBatch(contacts []domain.ContactRecord, campaignTag string) (domain.ValidationOutcome, error) {
	if len(contacts) == 0 {
		return domain.ValidationOutcome{}, ErrEmptyBatch
	}
	if len(contacts) > o.opts.MaxBatchSize {
		return domain.ValidationOutcome{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(contacts), o.opts.MaxBatchSize)
	}
	if campaignTag == "" {
		return domain.ValidationOutcome{}, ErrMissingTag
	}
	return domain.ValidateBatch(contacts), nil
}

// StartJob creates a JobRecord for the full batch and begins dispatch.
// Validity is re-derived per contact at send time, so invalid rows in the
// batch become failed/validation entries rather than start errors.
// Returns ErrAccountBusy while the account holds another processing job.
func (o *Orchestrator) StartJob(ctx context.Context, accountID, campaignTag string, contacts []domain.ContactRecord) (*domain.JobRecord, error) {
	if len(contacts) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(contacts) > o.opts.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(contacts), o.opts.MaxBatchSize)
	}
	if campaignTag == "" {
		return nil, ErrMissingTag
	}

	// One active job per account, enforced across instances.
	lock := distlock.NewRedisLock(o.redis, fmt.Sprintf("sync:account:%s", accountID), o.opts.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("account lock: %w", err)
	}
	if !acquired {
		return nil, ErrAccountBusy
	}

	job := &domain.JobRecord{
		JobID:       uuid.New().String(),
		AccountID:   accountID,
		CampaignTag: campaignTag,
		Status:      domain.StatusProcessing,
		TotalCount:  len(contacts),
		CreatedAt:   time.Now().UTC(),
	}

	if err := o.store.Create(ctx, job); err != nil {
		lock.Release(ctx)
		return nil, err
	}

	// Dispatch context is detached from the request: the job outlives the
	// HTTP call that started it. Cancelling it stops new dispatch only.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	o.mu.Lock()
	o.active[job.JobID] = &activeJob{
		accountID:      accountID,
		cancelDispatch: cancelDispatch,
		lock:           lock,
	}
	o.mu.Unlock()

	logger.Info("sync job starting",
		"job_id", job.JobID, "account_id", accountID,
		"total", job.TotalCount, "workers", o.opts.Workers)

	go o.run(dispatchCtx, job.Clone(), contacts)

	return job.Clone(), nil
}

// CancelJob transitions a processing job toward cancelled. New dispatch
// stops immediately; in-flight upserts finish and still count. The caller
// observes the cancellation via the terminal event on the progress stream.
func (o *Orchestrator) CancelJob(jobID string) error {
	o.mu.Lock()
	aj, ok := o.active[jobID]
	o.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	log.Printf("[orchestrator] job %s: cancel requested", jobID)
	aj.cancelDispatch()
	return nil
}

// GetJob returns the current snapshot for a job.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return o.store.Get(ctx, jobID)
}

// ListJobs returns the account's recent jobs.
func (o *Orchestrator) ListJobs(ctx context.Context, accountID string, limit int) ([]domain.JobRecord, error) {
	return o.store.ListRecent(ctx, accountID, limit)
}

// RateLimit returns the advisory quota view for an account.
func (o *Orchestrator) RateLimit(ctx context.Context, accountID string) (domain.RateLimitSnapshot, error) {
	return o.limiter.Snapshot(ctx, accountID)
}

// contactResult is the tagged per-contact outcome flowing from workers to
// the aggregator: exactly one of created/updated/skipped/failed.
type contactResult struct {
	contact  domain.ContactRecord
	outcome  crm.Outcome // empty when failed
	ref      string
	category domain.ErrorCategory
	message  string
}

// run drives one job to its terminal state. It is the only goroutine that
// mutates the JobRecord after creation.
func (o *Orchestrator) run(dispatchCtx context.Context, job *domain.JobRecord, contacts []domain.ContactRecord) {
	ctx := context.Background() // store/limiter calls outlive dispatch cancellation

	work := make(chan domain.ContactRecord)
	results := make(chan contactResult, o.opts.Workers)

	// Feeder: stops on cancellation, leaving the remainder undispatched.
	go func() {
		defer close(work)
		for _, c := range contacts {
			select {
			case work <- c:
			case <-dispatchCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				results <- o.processContact(ctx, job.AccountID, c)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	o.aggregate(ctx, dispatchCtx, job, results)
}

// processContact performs one contact's sync: server-side validity check,
// quota reservation, then the opaque CRM upsert. A slow CRM call blocks
// only this worker.
func (o *Orchestrator) processContact(ctx context.Context, accountID string, c domain.ContactRecord) contactResult {
	if reason := domain.ValidateContact(c); reason != "" {
		return contactResult{contact: c, category: domain.ErrCategoryValidation, message: reason}
	}

	// Quota is consumed per dispatch attempt, not per success.
	allowed, err := o.limiter.Reserve(ctx, accountID)
	if err != nil {
		return contactResult{contact: c, category: domain.ErrCategoryUnknown, message: "rate limit check failed: " + err.Error()}
	}
	if !allowed {
		return contactResult{contact: c, category: domain.ErrCategoryRateLimit, message: "daily CRM write quota exhausted"}
	}

	result, err := o.upserter.UpsertContact(ctx, c)
	if err != nil {
		category, message := crm.Classify(err)
		return contactResult{contact: c, category: category, message: message}
	}
	return contactResult{contact: c, outcome: result.Outcome, ref: result.ExternalRef}
}

// aggregate is the single writer for the job's counters. It consumes worker
// results, updates the record, and emits snapshots — per contact for small
// jobs, on a ticker for large ones so event volume stays bounded.
func (o *Orchestrator) aggregate(ctx, dispatchCtx context.Context, job *domain.JobRecord, results <-chan contactResult) {
	perContact := job.TotalCount <= o.opts.EmitThreshold

	ticker := time.NewTicker(o.opts.EmitInterval)
	defer ticker.Stop()

	dirty := false
	const dbUpdateEvery = 100
	sinceDBUpdate := 0

	emit := func() {
		snapshot := job.Clone()
		if err := o.store.SaveSnapshot(ctx, snapshot); err != nil {
			log.Printf("[orchestrator] job %s: snapshot write failed: %v", job.JobID, err)
		}
		o.hub.Publish(progress.Event{Kind: progress.KindProgress, JobID: job.JobID, Job: snapshot})
		dirty = false
	}

	for {
		select {
		case res, ok := <-results:
			if !ok {
				o.finalize(ctx, dispatchCtx, job)
				return
			}
			o.apply(job, res)
			dirty = true
			sinceDBUpdate++
			if sinceDBUpdate >= dbUpdateEvery {
				if err := o.store.UpdateCounters(ctx, job); err != nil {
					log.Printf("[orchestrator] job %s: counter update failed: %v", job.JobID, err)
				}
				sinceDBUpdate = 0
			}
			if perContact {
				emit()
			}
		case <-ticker.C:
			if !perContact && dirty {
				emit()
			}
		}
	}
}

// apply folds one worker result into the record. Counters only grow here,
// and only before the terminal transition.
func (o *Orchestrator) apply(job *domain.JobRecord, res contactResult) {
	job.ProcessedCount++
	switch {
	case res.category != "":
		job.FailedCount++
		job.FailedContacts = append(job.FailedContacts, domain.FailedContact{
			ContactID:   res.contact.ExternalID,
			Category:    res.category,
			Message:     res.message,
			ContactData: res.contact,
		})
		// res.message can carry CRM response bodies; the logger redacts
		// contact emails and phones.
		logger.Warn("contact sync failed",
			"job_id", job.JobID, "contact_id", res.contact.ExternalID,
			"email", res.contact.Email, "category", string(res.category),
			"error", res.message)
	case res.outcome == crm.OutcomeCreated:
		job.CreatedCount++
		job.UpdatedContacts = append(job.UpdatedContacts, domain.UpdatedContact{
			ContactID: res.contact.ExternalID, Status: "created", ExternalRef: res.ref,
		})
	case res.outcome == crm.OutcomeUpdated:
		job.UpdatedCount++
		job.UpdatedContacts = append(job.UpdatedContacts, domain.UpdatedContact{
			ContactID: res.contact.ExternalID, Status: "updated", ExternalRef: res.ref,
		})
	default:
		job.SkippedCount++
	}
}

// finalize freezes the record, persists it, emits the single complete
// event, releases the account lock, and hands the record to the archiver.
func (o *Orchestrator) finalize(ctx, dispatchCtx context.Context, job *domain.JobRecord) {
	if dispatchCtx.Err() != nil && job.ProcessedCount < job.TotalCount {
		job.Status = domain.StatusCancelled
	} else {
		job.Status = domain.StatusCompleted
	}
	now := time.Now().UTC()
	job.CompletedAt = &now

	if err := o.store.Finalize(ctx, job); err != nil {
		log.Printf("[orchestrator] job %s: finalize failed: %v", job.JobID, err)
		job.Status = domain.StatusFailed
	}

	snapshot := job.Clone()
	o.hub.Publish(progress.Event{Kind: progress.KindComplete, JobID: job.JobID, Job: snapshot})

	o.mu.Lock()
	aj := o.active[job.JobID]
	delete(o.active, job.JobID)
	o.mu.Unlock()
	if aj != nil {
		if err := aj.lock.Release(ctx); err != nil {
			log.Printf("[orchestrator] job %s: account lock release failed: %v", job.JobID, err)
		}
	}

	logger.Info("sync job finished",
		"job_id", job.JobID, "status", string(job.Status),
		"processed", job.ProcessedCount, "created", job.CreatedCount,
		"updated", job.UpdatedCount, "failed", job.FailedCount,
		"skipped", job.SkippedCount)

	if o.archiver != nil {
		go func() {
			actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := o.archiver.ArchiveJob(actx, snapshot); err != nil {
				log.Printf("[orchestrator] job %s: archive failed: %v", job.JobID, err)
			}
		}()
	}
}
