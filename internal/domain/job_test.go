package domain

import (
	"testing"
	"time"
)

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCountersConsistent(t *testing.T) {
	tests := []struct {
		name string
		job  JobRecord
		want bool
	}{
		{
			name: "fresh job",
			job:  JobRecord{TotalCount: 100},
			want: true,
		},
		{
			name: "mid-flight",
			job: JobRecord{TotalCount: 100, ProcessedCount: 40,
				CreatedCount: 10, UpdatedCount: 20, FailedCount: 5, SkippedCount: 5},
			want: true,
		},
		{
			name: "processed exceeds total",
			job:  JobRecord{TotalCount: 10, ProcessedCount: 11, CreatedCount: 11},
			want: false,
		},
		{
			name: "outcome counters do not sum",
			job: JobRecord{TotalCount: 100, ProcessedCount: 40,
				CreatedCount: 10, UpdatedCount: 20},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.CountersConsistent(); got != tt.want {
				t.Errorf("CountersConsistent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobRecordClone(t *testing.T) {
	done := time.Now()
	orig := &JobRecord{
		JobID:          "job-1",
		Status:         StatusCompleted,
		TotalCount:     2,
		ProcessedCount: 2,
		CreatedCount:   1,
		FailedCount:    1,
		FailedContacts: []FailedContact{
			{ContactID: "c-1", Category: ErrCategoryNetwork, Message: "timeout"},
		},
		UpdatedContacts: []UpdatedContact{
			{ContactID: "c-2", Status: "created"},
		},
		CompletedAt: &done,
	}

	cp := orig.Clone()

	// Mutating the clone must not reach back into the original.
	cp.FailedContacts[0].Message = "changed"
	cp.UpdatedContacts[0].Status = "updated"
	*cp.CompletedAt = done.Add(time.Hour)

	if orig.FailedContacts[0].Message != "timeout" {
		t.Error("clone shares FailedContacts backing array")
	}
	if orig.UpdatedContacts[0].Status != "created" {
		t.Error("clone shares UpdatedContacts backing array")
	}
	if !orig.CompletedAt.Equal(done) {
		t.Error("clone shares CompletedAt pointer")
	}
}
