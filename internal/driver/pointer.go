package driver

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/adrg/xdg"
)

// JobPointer records the one job a driver instance may have in flight, so a
// restarted process can re-attach to it. At most one pointer exists at a
// time; it is cleared when the job reaches a terminal state.
type JobPointer struct {
	JobID       string    `json:"job_id"`
	AccountID   string    `json:"account_id,omitempty"`
	CampaignTag string    `json:"campaign_tag,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// PointerStore persists the active-job pointer as a single JSON file in the
// XDG state directory.
type PointerStore struct {
	path string
}

// NewPointerStore resolves the pointer file location, creating parent
// directories as needed.
func NewPointerStore() (*PointerStore, error) {
	path, err := xdg.StateFile("crm-sync/active_job.json")
	if err != nil {
		return nil, err
	}
	return &PointerStore{path: path}, nil
}

// NewPointerStoreAt uses an explicit file path. Tests and containerized
// deployments use this instead of XDG resolution.
func NewPointerStoreAt(path string) *PointerStore {
	return &PointerStore{path: path}
}

// Load returns the saved pointer, or nil when none exists.
func (s *PointerStore) Load() (*JobPointer, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var p JobPointer
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt pointer is unrecoverable state, not an error worth
		// failing startup over.
		return nil, nil
	}
	if p.JobID == "" {
		return nil, nil
	}
	return &p, nil
}

// Save replaces the pointer atomically.
func (s *PointerStore) Save(p JobPointer) error {
	p.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the pointer. Missing file is not an error.
func (s *PointerStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
