package domain

import "testing"

func TestValidateContact(t *testing.T) {
	tests := []struct {
		name    string
		contact ContactRecord
		want    string
	}{
		{
			name:    "valid with email",
			contact: ContactRecord{ExternalID: "c-1", Email: "jo@example.com"},
			want:    "",
		},
		{
			name:    "valid with phone only",
			contact: ContactRecord{ExternalID: "c-2", Phone: "+15551234567"},
			want:    "",
		},
		{
			name:    "missing external id",
			contact: ContactRecord{Email: "jo@example.com"},
			want:    ReasonMissingExternalID,
		},
		{
			name:    "whitespace external id",
			contact: ContactRecord{ExternalID: "   ", Email: "jo@example.com"},
			want:    ReasonMissingExternalID,
		},
		{
			name:    "no contact method",
			contact: ContactRecord{ExternalID: "c-3", FirstName: "Jo"},
			want:    ReasonNoContactMethod,
		},
		{
			name:    "malformed email",
			contact: ContactRecord{ExternalID: "c-4", Email: "not-an-email"},
			want:    ReasonMalformedEmail,
		},
		{
			name:    "malformed email with phone still rejected",
			contact: ContactRecord{ExternalID: "c-5", Email: "bad@", Phone: "+15551234567"},
			want:    ReasonMalformedEmail,
		},
		{
			name:    "email with plus tag",
			contact: ContactRecord{ExternalID: "c-6", Email: "jo+tag@example.co.uk"},
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateContact(tt.contact); got != tt.want {
				t.Errorf("ValidateContact() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateBatch(t *testing.T) {
	batch := []ContactRecord{
		{ExternalID: "a", Email: "a@example.com"},
		{ExternalID: "b"},                       // no contact method
		{ExternalID: "c", Email: "broken"},      // malformed email
		{Email: "orphan@example.com"},           // no external id
		{ExternalID: "d", Phone: "+1555000111"}, // phone only is fine
	}

	out := ValidateBatch(batch)
	if out.ValidCount != 2 {
		t.Errorf("ValidCount = %d, want 2", out.ValidCount)
	}
	if out.InvalidCount != 3 {
		t.Errorf("InvalidCount = %d, want 3", out.InvalidCount)
	}
	if len(out.Invalid) != 3 {
		t.Fatalf("len(Invalid) = %d, want 3", len(out.Invalid))
	}
	// Reasons come back in batch order.
	wantReasons := []string{ReasonNoContactMethod, ReasonMalformedEmail, ReasonMissingExternalID}
	for i, want := range wantReasons {
		if out.Invalid[i].Reason != want {
			t.Errorf("Invalid[%d].Reason = %q, want %q", i, out.Invalid[i].Reason, want)
		}
	}
}

func TestValidateBatchEmpty(t *testing.T) {
	out := ValidateBatch(nil)
	if out.ValidCount != 0 || out.InvalidCount != 0 || len(out.Invalid) != 0 {
		t.Errorf("empty batch outcome = %+v, want zeros", out)
	}
}

func TestDropMissingExternalID(t *testing.T) {
	in := []ContactRecord{
		{ExternalID: "keep-1", Email: "a@example.com"},
		{ExternalID: ""},
		{ExternalID: "  "},
		{ExternalID: "keep-2"},
	}
	got := DropMissingExternalID(in)
	if len(got) != 2 {
		t.Fatalf("kept %d contacts, want 2", len(got))
	}
	if got[0].ExternalID != "keep-1" || got[1].ExternalID != "keep-2" {
		t.Errorf("kept wrong contacts: %+v", got)
	}
}
