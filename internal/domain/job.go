package domain

import "time"

// JobStatus is the lifecycle state of a sync job. processing is the only
// non-terminal status; terminal records are immutable.
type JobStatus string

const (
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status permits no further counter changes.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorCategory classifies a per-contact upsert failure.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "validation"
	ErrCategoryAPI        ErrorCategory = "api_error"
	ErrCategoryRateLimit  ErrorCategory = "rate_limit"
	ErrCategoryNetwork    ErrorCategory = "network"
	ErrCategoryUnknown    ErrorCategory = "unknown"
)

// FailedContact records one contact that could not be upserted, carrying the
// original row so the failed subset can be resubmitted as a new job.
type FailedContact struct {
	ContactID   string        `json:"contact_id"`
	Category    ErrorCategory `json:"error_category"`
	Message     string        `json:"error_message"`
	ContactData ContactRecord `json:"contact_data"`
}

// UpdatedContact records one contact that resulted in created or updated.
type UpdatedContact struct {
	ContactID   string `json:"contact_id"`
	Status      string `json:"status"` // created | updated
	ExternalRef string `json:"external_ref,omitempty"`
}

// JobRecord is the durable unit of work. Owned and mutated exclusively by
// the orchestrator; every other component sees read-only snapshots.
//
// Invariant: ProcessedCount = CreatedCount + UpdatedCount + FailedCount +
// SkippedCount at every observed snapshot, and ProcessedCount <= TotalCount.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	AccountID   string    `json:"account_id"`
	CampaignTag string    `json:"campaign_tag"`
	Status      JobStatus `json:"status"`

	TotalCount     int `json:"total_count"`
	ProcessedCount int `json:"processed_count"`
	CreatedCount   int `json:"created_count"`
	UpdatedCount   int `json:"updated_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`

	FailedContacts  []FailedContact  `json:"failed_contacts,omitempty"`
	UpdatedContacts []UpdatedContact `json:"updated_contacts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CountersConsistent checks the snapshot invariant.
func (j *JobRecord) CountersConsistent() bool {
	return j.ProcessedCount == j.CreatedCount+j.UpdatedCount+j.FailedCount+j.SkippedCount &&
		j.ProcessedCount <= j.TotalCount
}

// Clone returns a deep copy safe to hand to observers while the orchestrator
// keeps mutating the original.
func (j *JobRecord) Clone() *JobRecord {
	cp := *j
	if j.FailedContacts != nil {
		cp.FailedContacts = make([]FailedContact, len(j.FailedContacts))
		copy(cp.FailedContacts, j.FailedContacts)
	}
	if j.UpdatedContacts != nil {
		cp.UpdatedContacts = make([]UpdatedContact, len(j.UpdatedContacts))
		copy(cp.UpdatedContacts, j.UpdatedContacts)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
