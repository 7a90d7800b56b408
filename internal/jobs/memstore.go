package jobs

import (
	"context"
	"sync"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// MemoryStore keeps all jobs in process memory. Each job has its own lock
// so updates to unrelated ids never block each other; a second lock guards
// the id-to-entry map and the per-state order index.
//
// Lock order is entry.mu before MemoryStore.mu; no path holds mu while
// taking an entry lock.
type MemoryStore struct {
	log     *logger.Logger
	mu      sync.RWMutex
	entries map[string]*memEntry
	order   map[State][]string
}

type memEntry struct {
	mu  sync.Mutex
	job *Job
}

func NewMemoryStore(log *logger.Logger) *MemoryStore {
	order := make(map[State][]string, len(States))
	for _, s := range States {
		order[s] = nil
	}
	return &MemoryStore{
		log:     log.With("component", "MemoryStore"),
		entries: make(map[string]*memEntry),
		order:   order,
	}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.ID]; exists {
		return ErrAlreadyExists
	}
	s.entries[job.ID] = &memEntry{job: job.clone()}
	s.indexLocked(job.State, job.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.clone(), nil
}

func (s *MemoryStore) ListByState(_ context.Context, state State, offset, limit int) ([]*Job, error) {
	s.mu.RLock()
	ids := s.order[state]
	if offset < 0 {
		offset = 0
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	picked := make([]*memEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			picked = append(picked, e)
		}
	}
	s.mu.RUnlock()

	out := make([]*Job, 0, len(picked))
	for _, e := range picked {
		e.mu.Lock()
		out = append(out, e.job.clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job)) (*Job, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	oldState := e.job.State
	fn(e.job)
	newState := e.job.State

	if oldState != newState {
		s.mu.Lock()
		// The job may have been removed while we were mutating; a gone
		// entry must not be re-indexed.
		if _, present := s.entries[id]; present {
			s.unindexLocked(oldState, id)
			s.indexLocked(newState, id)
		}
		s.mu.Unlock()
	}
	return e.job.clone(), nil
}

func (s *MemoryStore) Remove(_ context.Context, id string, when func(*Job) bool) (*Job, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, ErrNotFound
	}

	// The entry lock keeps the state stable while the condition runs,
	// so a claim cannot slip between the check and the delete.
	e.mu.Lock()
	defer e.mu.Unlock()

	job := e.job.clone()
	if when != nil && !when(e.job) {
		return job, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, present := s.entries[id]; !present {
		// A concurrent Remove won the race.
		return job, false, ErrNotFound
	}
	delete(s.entries, id)
	for _, state := range States {
		s.unindexLocked(state, id)
	}
	return job, true, nil
}

func (s *MemoryStore) CountByState(_ context.Context) (map[State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int, len(States))
	for _, state := range States {
		counts[state] = len(s.order[state])
	}
	return counts, nil
}

// indexLocked records id under state. Terminal states list most recent
// first; the queue-like states keep insertion order.
func (s *MemoryStore) indexLocked(state State, id string) {
	if state.Terminal() {
		s.order[state] = append([]string{id}, s.order[state]...)
		return
	}
	s.order[state] = append(s.order[state], id)
}

func (s *MemoryStore) unindexLocked(state State, id string) {
	ids := s.order[state]
	for i, candidate := range ids {
		if candidate == id {
			s.order[state] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}
