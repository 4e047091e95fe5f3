package summarize

import (
	"sync"
	"time"
)

// Status is the last known summary of a task and whether one is being produced.
type Status struct {
	InProgress bool      `json:"in_progress"`
	Message    string    `json:"message"`
	Summary    string    `json:"summary,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Tracker holds summary status per task id.
type Tracker struct {
	mu  sync.RWMutex
	m   map[string]Status
	now func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{m: make(map[string]Status), now: time.Now}
}

func (t *Tracker) Get(taskID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[taskID]
	return s, ok
}

func (t *Tracker) update(taskID string, fn func(*Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.m[taskID]
	fn(&s)
	s.UpdatedAt = t.now().UTC()
	t.m[taskID] = s
}

func (t *Tracker) progress(taskID, msg string) {
	t.update(taskID, func(s *Status) {
		s.InProgress = true
		s.Message = msg
	})
}

func (t *Tracker) finish(taskID, summary, msg string) {
	t.update(taskID, func(s *Status) {
		s.InProgress = false
		s.Message = msg
		s.Summary = summary
	})
}

func (t *Tracker) Forget(taskID string) {
	t.mu.Lock()
	delete(t.m, taskID)
	t.mu.Unlock()
}

// Prune drops finished statuses last updated before cutoff.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.m {
		if !s.InProgress && s.UpdatedAt.Before(cutoff) {
			delete(t.m, id)
			n++
		}
	}
	return n
}
