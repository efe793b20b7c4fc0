// Package progress implements the push channel that streams job snapshots
// from the orchestrator to observers.
//
// One emitter per job, any number of observers. Every event carries a
// complete JobRecord snapshot, never a delta, so observers that reconnect
// mid-job replace their state outright and cannot double-count.
package progress

import (
	"log"
	"sync"

	"github.com/ignite/crm-sync/internal/domain"
)

// EventKind discriminates the three stream event types.
type EventKind string

const (
	// KindProgress carries a non-terminal snapshot.
	KindProgress EventKind = "progress"
	// KindComplete carries the final snapshot including failed_contacts and
	// updated_contacts. Exactly one per job; the stream closes after it.
	KindComplete EventKind = "complete"
	// KindError signals a transport/protocol error, distinct from
	// per-contact failures (which travel inside snapshots). The stream
	// closes after it.
	KindError EventKind = "error"
)

// Event is one message on a job's progress stream.
type Event struct {
	Kind    EventKind         `json:"kind"`
	JobID   string            `json:"job_id"`
	Job     *domain.JobRecord `json:"job,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Terminal reports whether the stream closes after this event.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Hub fans snapshots out to per-job subscribers. Publish never blocks the
// emitter: a subscriber that cannot keep up loses intermediate events, which
// is safe because every event is a full snapshot.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Event // job_id → sub_id → channel
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[string]chan Event)}
}

// Subscribe registers an observer for one job. Returns a read channel that
// is closed on Unsubscribe or when a terminal event has been delivered.
func (h *Hub) Subscribe(jobID, subID string) <-chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[string]chan Event)
	}
	h.subs[jobID][subID] = ch
	n := len(h.subs[jobID])
	h.mu.Unlock()
	log.Printf("[progress] job %s: subscriber %s connected (%d active)", jobID, subID, n)
	return ch
}

// Unsubscribe removes an observer and closes its channel. Safe to call
// after the hub already dropped the subscriber on a terminal event.
func (h *Hub) Unsubscribe(jobID, subID string) {
	h.mu.Lock()
	if m, ok := h.subs[jobID]; ok {
		if ch, ok := m[subID]; ok {
			close(ch)
			delete(m, subID)
		}
		if len(m) == 0 {
			delete(h.subs, jobID)
		}
	}
	h.mu.Unlock()
}

// Publish fans an event out to the job's subscribers. Terminal events close
// and remove every subscriber afterwards, guaranteeing nothing follows a
// complete or error event on the same stream.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.subs[ev.JobID]
	for id, ch := range m {
		select {
		case ch <- ev:
		default:
			// Slow observer: drop the event. The next snapshot supersedes
			// this one anyway.
			log.Printf("[progress] job %s: dropping event for slow subscriber %s", ev.JobID, id)
		}
	}

	if ev.Terminal() && m != nil {
		for id, ch := range m {
			close(ch)
			delete(m, id)
		}
		delete(h.subs, ev.JobID)
	}
}

// SubscriberCount returns the number of observers attached to a job.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
