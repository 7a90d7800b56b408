package jobs

import "context"

// Store is the durable record of jobs keyed by id, grouped by state.
//
// Enumeration order within a state is insertion order for waiting, active
// and delayed, and most-recent-first for completed and failed. Update
// applies its mutator atomically for one id; updates to different ids do
// not serialize on each other.
type Store interface {
	// Create persists a new job. ErrAlreadyExists on id collision.
	Create(ctx context.Context, job *Job) error
	// Get returns a copy of the job. ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Job, error)
	// ListByState returns up to limit jobs in that state starting at
	// offset. limit <= 0 means no bound.
	ListByState(ctx context.Context, state State, offset, limit int) ([]*Job, error)
	// Update applies fn to the job under the per-id lock and returns the
	// resulting copy. ErrNotFound for unknown ids.
	Update(ctx context.Context, id string, fn func(*Job)) (*Job, error)
	// Remove deletes the job if when approves its current state, under
	// the same per-id atomicity as Update. A nil when removes
	// unconditionally. It returns the job as last seen and whether it
	// was removed; ErrNotFound for unknown ids.
	Remove(ctx context.Context, id string, when func(*Job) bool) (*Job, bool, error)
	// CountByState returns the number of jobs per state.
	CountByState(ctx context.Context) (map[State]int, error)
}
