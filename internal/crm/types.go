package crm

import (
	"fmt"

	"github.com/ignite/crm-sync/internal/domain"
)

// Outcome is the CRM's verdict for one contact upsert.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
)

// UpsertResult is a successful upsert. ExternalRef is the CRM's own record
// identifier when it returns one.
type UpsertResult struct {
	Outcome     Outcome `json:"status"`
	ExternalRef string  `json:"external_ref,omitempty"`
}

// UpsertError is a failed upsert, already classified into the error
// taxonomy the job record carries.
type UpsertError struct {
	Category domain.ErrorCategory
	Message  string
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("crm upsert failed (%s): %s", e.Category, e.Message)
}

// Classify extracts the error category from any error returned by an
// Upserter, defaulting to unknown.
func Classify(err error) (domain.ErrorCategory, string) {
	if ue, ok := err.(*UpsertError); ok {
		return ue.Category, ue.Message
	}
	return domain.ErrCategoryUnknown, err.Error()
}
