package domain

import (
	"regexp"
	"strings"
)

// ContactRecord is one row to synchronize into the external CRM.
// ExternalID is the unique key the CRM matches on; rows without it are
// dropped before validation and never submitted.
type ContactRecord struct {
	ExternalID string `json:"external_id"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Address1   string `json:"address1,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
}

// InvalidContact pairs a rejected contact with the reason it was rejected.
type InvalidContact struct {
	Contact ContactRecord `json:"contact"`
	Reason  string        `json:"reason"`
}

// ValidationOutcome is the result of a pre-flight check on a contact batch.
// It is computed per submission attempt and never persisted; it does not
// touch CRM state.
type ValidationOutcome struct {
	ValidCount   int              `json:"valid_count"`
	InvalidCount int              `json:"invalid_count"`
	Invalid      []InvalidContact `json:"invalid_contacts,omitempty"`
}

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Validation reasons, surfaced verbatim to operators.
const (
	ReasonMissingExternalID = "missing external_id"
	ReasonNoContactMethod   = "missing both email and phone"
	ReasonMalformedEmail    = "malformed email address"
)

// ValidateContact checks a single contact. Returns an empty string when the
// contact is acceptable, otherwise the rejection reason.
func ValidateContact(c ContactRecord) string {
	if strings.TrimSpace(c.ExternalID) == "" {
		return ReasonMissingExternalID
	}
	email := strings.TrimSpace(c.Email)
	phone := strings.TrimSpace(c.Phone)
	if email == "" && phone == "" {
		return ReasonNoContactMethod
	}
	if email != "" && !emailRegex.MatchString(email) {
		return ReasonMalformedEmail
	}
	return ""
}

// ValidateBatch runs per-contact validation over a batch and tallies the
// outcome. The batch itself is not mutated; callers submit the full original
// batch at send time and the orchestrator re-derives validity per contact.
func ValidateBatch(contacts []ContactRecord) ValidationOutcome {
	out := ValidationOutcome{}
	for _, c := range contacts {
		if reason := ValidateContact(c); reason != "" {
			out.InvalidCount++
			out.Invalid = append(out.Invalid, InvalidContact{Contact: c, Reason: reason})
			continue
		}
		out.ValidCount++
	}
	return out
}

// DropMissingExternalID removes rows lacking the required CRM key. These rows
// cannot be upserted at all, so they are excluded client-side before a batch
// is even validated.
func DropMissingExternalID(contacts []ContactRecord) []ContactRecord {
	kept := make([]ContactRecord, 0, len(contacts))
	for _, c := range contacts {
		if strings.TrimSpace(c.ExternalID) != "" {
			kept = append(kept, c)
		}
	}
	return kept
}
