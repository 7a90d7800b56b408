package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func newTestJob(id string, state State) *Job {
	return &Job{
		ID:        id,
		Name:      "job " + id,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	if err := store.Create(ctx, newTestJob("a", StateWaiting)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(ctx, newTestJob("a", StateWaiting)); err != ErrAlreadyExists {
		t.Fatalf("duplicate Create: want ErrAlreadyExists, got %v", err)
	}

	job, err := store.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != StateWaiting {
		t.Fatalf("state: want %s, got %s", StateWaiting, job.State)
	}

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	if err := store.Create(ctx, newTestJob("a", StateWaiting)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	first, _ := store.Get(ctx, "a")
	first.Name = "mutated"
	first.Result = append(first.Result, "line")

	second, _ := store.Get(ctx, "a")
	if second.Name != "job a" {
		t.Fatalf("store handed out shared job: name=%q", second.Name)
	}
	if len(second.Result) != 0 {
		t.Fatalf("store handed out shared result slice")
	}
}

func TestMemoryStoreListOrdering(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	for _, id := range []string{"one", "two", "three"} {
		if err := store.Create(ctx, newTestJob(id, StateWaiting)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	waiting, err := store.ListByState(ctx, StateWaiting, 0, 0)
	if err != nil {
		t.Fatalf("ListByState: %v", err)
	}
	gotIDs := []string{waiting[0].ID, waiting[1].ID, waiting[2].ID}
	if gotIDs[0] != "one" || gotIDs[1] != "two" || gotIDs[2] != "three" {
		t.Fatalf("waiting not in insertion order: %v", gotIDs)
	}

	// Settle jobs one at a time; completed must list most recent first.
	for _, id := range []string{"one", "two"} {
		if _, err := store.Update(ctx, id, func(j *Job) { j.State = StateCompleted }); err != nil {
			t.Fatalf("Update %s: %v", id, err)
		}
	}
	completed, err := store.ListByState(ctx, StateCompleted, 0, 0)
	if err != nil {
		t.Fatalf("ListByState completed: %v", err)
	}
	if completed[0].ID != "two" || completed[1].ID != "one" {
		t.Fatalf("completed not most-recent-first: %s, %s", completed[0].ID, completed[1].ID)
	}

	limited, _ := store.ListByState(ctx, StateCompleted, 0, 1)
	if len(limited) != 1 || limited[0].ID != "two" {
		t.Fatalf("limit: want [two], got %v", limited)
	}
	offset, _ := store.ListByState(ctx, StateCompleted, 1, 0)
	if len(offset) != 1 || offset[0].ID != "one" {
		t.Fatalf("offset: want [one], got %v", offset)
	}
	// Out-of-range offsets are clamped, not rejected.
	negative, err := store.ListByState(ctx, StateCompleted, -3, 1)
	if err != nil {
		t.Fatalf("negative offset: %v", err)
	}
	if len(negative) != 1 || negative[0].ID != "two" {
		t.Fatalf("negative offset: want [two], got %v", negative)
	}
}

func TestMemoryStoreRemove(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	if err := store.Create(ctx, newTestJob("a", StateWaiting)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	job, removed, err := store.Remove(ctx, "a", nil)
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if job == nil || job.ID != "a" {
		t.Fatalf("Remove returned wrong job: %+v", job)
	}
	if _, _, err = store.Remove(ctx, "a", nil); err != ErrNotFound {
		t.Fatalf("second Remove: want ErrNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "a"); err != ErrNotFound {
		t.Fatalf("Get after Remove: want ErrNotFound, got %v", err)
	}
	waiting, _ := store.ListByState(ctx, StateWaiting, 0, 0)
	if len(waiting) != 0 {
		t.Fatalf("removed job still listed: %v", waiting)
	}
}

func TestMemoryStoreRemoveCondition(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	if err := store.Create(ctx, newTestJob("a", StateActive)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The condition sees the live state; a rejected removal leaves the
	// job untouched.
	job, removed, err := store.Remove(ctx, "a", func(j *Job) bool {
		return j.State != StateActive
	})
	if err != nil || removed {
		t.Fatalf("conditional Remove of active job: removed=%v err=%v", removed, err)
	}
	if job == nil || job.State != StateActive {
		t.Fatalf("rejected Remove should report the blocking state: %+v", job)
	}
	if _, err := store.Get(ctx, "a"); err != nil {
		t.Fatalf("job should survive rejected Remove: %v", err)
	}

	if _, err := store.Update(ctx, "a", func(j *Job) { j.State = StateWaiting }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, removed, err = store.Remove(ctx, "a", func(j *Job) bool {
		return j.State != StateActive
	})
	if err != nil || !removed {
		t.Fatalf("conditional Remove of waiting job: removed=%v err=%v", removed, err)
	}
}

func TestMemoryStoreCountByState(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = store.Create(ctx, newTestJob(fmt.Sprintf("w%d", i), StateWaiting))
	}
	_ = store.Create(ctx, newTestJob("f0", StateFailed))

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[StateWaiting] != 3 || counts[StateFailed] != 1 || counts[StateActive] != 0 {
		t.Fatalf("counts wrong: %v", counts)
	}
}

func TestMemoryStoreConcurrentUpdates(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		_ = store.Create(ctx, newTestJob(fmt.Sprintf("job-%d", i), StateActive))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("job-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 200; k++ {
				_, err := store.Update(ctx, id, func(j *Job) {
					j.AttemptsMade++
				})
				if err != nil {
					t.Errorf("Update %s: %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		job, err := store.Get(ctx, fmt.Sprintf("job-%d", i))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.AttemptsMade != 200 {
			t.Fatalf("job-%d lost updates: got %d", i, job.AttemptsMade)
		}
	}
}

func TestMemoryStoreUpdateMovesBetweenStates(t *testing.T) {
	store := NewMemoryStore(mustTestLogger(t))
	ctx := context.Background()

	_ = store.Create(ctx, newTestJob("a", StateWaiting))
	if _, err := store.Update(ctx, "a", func(j *Job) { j.State = StateActive }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	waiting, _ := store.ListByState(ctx, StateWaiting, 0, 0)
	active, _ := store.ListByState(ctx, StateActive, 0, 0)
	if len(waiting) != 0 || len(active) != 1 {
		t.Fatalf("index not moved: waiting=%d active=%d", len(waiting), len(active))
	}
}
