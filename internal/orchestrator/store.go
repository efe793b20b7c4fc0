package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/crm-sync/internal/domain"
)

// ErrJobNotFound is returned when a job is in neither the live snapshot
// store nor the durable record table (expired or never existed).
var ErrJobNotFound = errors.New("job not found")

// JobStore persists job records. Durable rows live in Postgres; the live
// counter snapshot lives in Redis so status reads during a send never hit
// the database. Redis is the fresher of the two while a job is processing.
type JobStore struct {
	db          *sql.DB
	redis       *redis.Client
	snapshotTTL time.Duration
}

// NewJobStore creates a JobStore.
func NewJobStore(db *sql.DB, redisClient *redis.Client, snapshotTTL time.Duration) *JobStore {
	if snapshotTTL <= 0 {
		snapshotTTL = 24 * time.Hour
	}
	return &JobStore{db: db, redis: redisClient, snapshotTTL: snapshotTTL}
}

func snapshotKey(jobID string) string {
	return fmt.Sprintf("sync:job:%s", jobID)
}

// Create inserts the durable row and writes the initial snapshot.
func (s *JobStore) Create(ctx context.Context, job *domain.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_jobs (
			id, account_id, campaign_tag, status, total_count,
			processed_count, created_count, updated_count, failed_count, skipped_count,
			failed_contacts, updated_contacts, created_at
		) VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0, 0, '[]', '[]', $6)
	`, job.JobID, job.AccountID, job.CampaignTag, job.Status, job.TotalCount, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.JobID, err)
	}
	return s.SaveSnapshot(ctx, job)
}

// SaveSnapshot writes the live snapshot to Redis. Called by the aggregator
// on every emit; failures are returned but a missed snapshot is not fatal —
// the next emit supersedes it.
func (s *JobStore) SaveSnapshot(ctx context.Context, job *domain.JobRecord) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, snapshotKey(job.JobID), data, s.snapshotTTL).Err()
}

// Get returns the job snapshot, preferring the Redis live copy and falling
// back to the Postgres row. Returns ErrJobNotFound when neither has it.
func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	data, err := s.redis.Get(ctx, snapshotKey(jobID)).Bytes()
	if err == nil {
		var job domain.JobRecord
		if jerr := json.Unmarshal(data, &job); jerr == nil {
			return &job, nil
		}
		// Corrupt snapshot: fall through to the durable row
	} else if err != redis.Nil {
		// Redis being down should not make job status unreadable
	}

	return s.getFromDB(ctx, jobID)
}

func (s *JobStore) getFromDB(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	var (
		job         domain.JobRecord
		failedJSON  []byte
		updatedJSON []byte
		completedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, campaign_tag, status, total_count,
		       processed_count, created_count, updated_count, failed_count, skipped_count,
		       failed_contacts, updated_contacts, created_at, completed_at
		FROM sync_jobs WHERE id = $1
	`, jobID).Scan(
		&job.JobID, &job.AccountID, &job.CampaignTag, &job.Status, &job.TotalCount,
		&job.ProcessedCount, &job.CreatedCount, &job.UpdatedCount, &job.FailedCount, &job.SkippedCount,
		&failedJSON, &updatedJSON, &job.CreatedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", jobID, err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(failedJSON) > 0 {
		json.Unmarshal(failedJSON, &job.FailedContacts)
	}
	if len(updatedJSON) > 0 {
		json.Unmarshal(updatedJSON, &job.UpdatedContacts)
	}
	return &job, nil
}

// UpdateCounters refreshes the durable row's counters mid-job. Called
// periodically, not per contact, to keep write volume bounded.
func (s *JobStore) UpdateCounters(ctx context.Context, job *domain.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET processed_count = $1, created_count = $2, updated_count = $3,
		    failed_count = $4, skipped_count = $5
		WHERE id = $6 AND status = 'processing'
	`, job.ProcessedCount, job.CreatedCount, job.UpdatedCount,
		job.FailedCount, job.SkippedCount, job.JobID)
	return err
}

// Finalize writes the terminal row. The status guard makes finalization
// idempotent and keeps terminal records immutable.
func (s *JobStore) Finalize(ctx context.Context, job *domain.JobRecord) error {
	failedJSON, _ := json.Marshal(job.FailedContacts)
	updatedJSON, _ := json.Marshal(job.UpdatedContacts)

	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = $1, processed_count = $2, created_count = $3, updated_count = $4,
		    failed_count = $5, skipped_count = $6, failed_contacts = $7,
		    updated_contacts = $8, completed_at = $9
		WHERE id = $10 AND status = 'processing'
	`, job.Status, job.ProcessedCount, job.CreatedCount, job.UpdatedCount,
		job.FailedCount, job.SkippedCount, failedJSON, updatedJSON,
		job.CompletedAt, job.JobID)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", job.JobID, err)
	}
	return s.SaveSnapshot(ctx, job)
}

// ListRecent returns the account's most recent jobs, newest first, without
// the failed/updated contact payloads.
func (s *JobStore) ListRecent(ctx context.Context, accountID string, limit int) ([]domain.JobRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, campaign_tag, status, total_count,
		       processed_count, created_count, updated_count, failed_count, skipped_count,
		       created_at, completed_at
		FROM sync_jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.JobRecord
	for rows.Next() {
		var job domain.JobRecord
		var completedAt sql.NullTime
		if err := rows.Scan(
			&job.JobID, &job.AccountID, &job.CampaignTag, &job.Status, &job.TotalCount,
			&job.ProcessedCount, &job.CreatedCount, &job.UpdatedCount, &job.FailedCount, &job.SkippedCount,
			&job.CreatedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t := completedAt.Time
			job.CompletedAt = &t
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
