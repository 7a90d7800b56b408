package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// EngineOptions tune retry behaviour.
type EngineOptions struct {
	// MaxAttempts is the number of automatic execution attempts before a
	// job settles as failed.
	MaxAttempts int
	// BackoffBase is the delay before the first automatic retry; it
	// doubles for every further attempt.
	BackoffBase time.Duration
}

// Engine owns the job state machine. It is the only writer of job state:
// the worker pool and the HTTP layer mutate jobs exclusively through its
// methods, and every transition is announced on the notifier with a full
// snapshot.
type Engine struct {
	store    Store
	notifier Notifier
	log      *logger.Logger

	maxAttempts int
	backoffBase time.Duration

	wake chan struct{}

	mu     sync.Mutex
	paused bool
	timers map[string]*time.Timer
}

func NewEngine(store Store, notifier Notifier, log *logger.Logger, opts EngineOptions) *Engine {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	return &Engine{
		store:       store,
		notifier:    notifier,
		log:         log.With("component", "Engine"),
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		wake:        make(chan struct{}, 1),
		timers:      make(map[string]*time.Timer),
	}
}

// Wake signals whenever a job becomes eligible for admission. The channel
// carries at most one pending signal.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

func (e *Engine) signalWake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Submit creates a job in the waiting state.
func (e *Engine) Submit(ctx context.Context, name string) (*Job, error) {
	job := &Job{
		ID:        uuid.NewString(),
		Name:      name,
		State:     StateWaiting,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.Create(ctx, job); err != nil {
		return nil, err
	}
	e.log.Info("Job submitted", "job_id", job.ID, "name", name)
	e.publish(EventCreated, job)
	e.signalWake()
	return job, nil
}

// ClaimNext admits the oldest waiting job: waiting -> active, counting the
// attempt. It returns nil when admission is paused or nothing is waiting.
func (e *Engine) ClaimNext(ctx context.Context) (*Job, error) {
	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused {
		return nil, nil
	}

	candidates, err := e.store.ListByState(ctx, StateWaiting, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, candidate := range candidates {
		claimed := false
		job, err := e.store.Update(ctx, candidate.ID, func(j *Job) {
			if j.State != StateWaiting {
				return
			}
			j.State = StateActive
			j.AttemptsMade++
			j.Progress = Progress{}
			claimed = true
		})
		if err != nil {
			// Removed between listing and claiming; try the next one.
			continue
		}
		if claimed {
			e.log.Debug("Job admitted", "job_id", job.ID, "attempt", job.AttemptsMade)
			e.publish(EventStarted, job)
			return job, nil
		}
	}
	return nil, nil
}

// ReportProgress records a progress update for an active job. Values are
// taken as reported: neither the percentage range nor monotonicity is
// enforced.
func (e *Engine) ReportProgress(ctx context.Context, id string, percentage float64, action string) (*Job, error) {
	var state State
	applied := false
	job, err := e.store.Update(ctx, id, func(j *Job) {
		state = j.State
		if j.State != StateActive {
			return
		}
		j.Progress = Progress{Percentage: percentage, Action: action, UpdatedAt: time.Now().UTC()}
		applied = true
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, invalidTransition("report progress for", state)
	}
	e.publish(EventProgress, job)
	return job, nil
}

// Succeed settles an active job as completed with the workload's log lines.
func (e *Engine) Succeed(ctx context.Context, id string, logs []string) (*Job, error) {
	var state State
	applied := false
	job, err := e.store.Update(ctx, id, func(j *Job) {
		state = j.State
		if j.State != StateActive {
			return
		}
		now := time.Now().UTC()
		j.State = StateCompleted
		j.FinishedAt = &now
		j.Result = logs
		j.FailureReason = ""
		applied = true
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, invalidTransition("complete", state)
	}
	e.log.Info("Job completed", "job_id", id, "attempts", job.AttemptsMade)
	e.publish(EventCompleted, job)
	return job, nil
}

// Fail records a failed attempt. While automatic attempts remain the job
// is parked as delayed and re-queued after an exponential backoff; once
// attempts are exhausted it settles as failed.
func (e *Engine) Fail(ctx context.Context, id string, reason string) (*Job, error) {
	var state State
	applied := false
	job, err := e.store.Update(ctx, id, func(j *Job) {
		state = j.State
		if j.State != StateActive {
			return
		}
		j.FailureReason = reason
		if j.AttemptsMade < e.maxAttempts {
			j.State = StateDelayed
		} else {
			now := time.Now().UTC()
			j.State = StateFailed
			j.FinishedAt = &now
		}
		applied = true
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, invalidTransition("fail", state)
	}

	if job.State == StateFailed {
		e.log.Warn("Job failed permanently", "job_id", id, "attempts", job.AttemptsMade, "reason", reason)
		e.publish(EventFailed, job)
		return job, nil
	}

	delay := e.backoffDelay(job.AttemptsMade)
	e.log.Info("Job scheduled for retry", "job_id", id, "attempt", job.AttemptsMade, "delay", delay, "reason", reason)
	e.publish(EventDelayed, job)
	e.scheduleRequeue(id, delay)
	return job, nil
}

// backoffDelay returns base * 2^(attempts-1).
func (e *Engine) backoffDelay(attempts int) time.Duration {
	delay := e.backoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

// scheduleRequeue arms a one-shot timer that moves the job from delayed
// back to waiting once its backoff elapses. One timer per delayed job, no
// polling.
func (e *Engine) scheduleRequeue(id string, delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()

		requeued := false
		job, err := e.store.Update(context.Background(), id, func(j *Job) {
			if j.State != StateDelayed {
				return
			}
			j.State = StateWaiting
			requeued = true
		})
		if err != nil || !requeued {
			// Cancelled or otherwise moved on while delayed.
			return
		}
		e.publish(EventQueued, job)
		e.signalWake()
	})
}

// Cancel removes a waiting, active or delayed job. The state check and
// the removal happen under the store's per-id atomicity, so a job that
// settles concurrently is not swept away. Cancelling an active job is
// best-effort: the record disappears and the in-flight workload finds no
// job to update at its next report.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	job, removed, err := e.store.Remove(ctx, id, func(j *Job) bool {
		switch j.State {
		case StateWaiting, StateActive, StateDelayed:
			return true
		}
		return false
	})
	if err != nil {
		return err
	}
	if !removed {
		return invalidTransition("cancel", job.State)
	}
	e.stopTimer(id)
	e.log.Info("Job cancelled", "job_id", id, "state", job.State)
	e.publish(EventRemoved, job)
	return nil
}

// Retry re-queues a failed job for one more attempt. The attempt history
// is preserved; only the terminal outcome is cleared.
func (e *Engine) Retry(ctx context.Context, id string) (*Job, error) {
	var state State
	applied := false
	job, err := e.store.Update(ctx, id, func(j *Job) {
		state = j.State
		if j.State != StateFailed {
			return
		}
		j.State = StateWaiting
		j.FailureReason = ""
		j.FinishedAt = nil
		j.Result = nil
		j.Progress = Progress{}
		applied = true
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, invalidTransition("retry", state)
	}
	e.log.Info("Job queued for manual retry", "job_id", id, "attempts_so_far", job.AttemptsMade)
	e.publish(EventQueued, job)
	e.signalWake()
	return job, nil
}

// Delete removes a job in any state except active; active jobs must be
// cancelled first. The gate holds even against a concurrent claim
// because the state is checked under the removal itself.
func (e *Engine) Delete(ctx context.Context, id string) error {
	job, removed, err := e.store.Remove(ctx, id, func(j *Job) bool {
		return j.State != StateActive
	})
	if err != nil {
		return err
	}
	if !removed {
		return ErrJobActive
	}
	e.stopTimer(id)
	e.log.Info("Job deleted", "job_id", id)
	e.publish(EventRemoved, job)
	return nil
}

// Pause stops admitting waiting jobs. In-flight jobs are unaffected.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.log.Info("Admission paused")
}

// Resume re-enables admission.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.log.Info("Admission resumed")
	e.signalWake()
}

// Paused reports whether admission is currently paused.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Clean bulk-removes terminal jobs of the given outcome that finished at
// least grace ago. It returns the number of jobs removed.
func (e *Engine) Clean(ctx context.Context, state State, grace time.Duration) (int, error) {
	if !state.Terminal() {
		return 0, invalidTransition("clean", state)
	}
	settled, err := e.store.ListByState(ctx, state, 0, 0)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-grace)
	cleaned := 0
	for _, job := range settled {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		// Re-check under the removal: a manual retry between the listing
		// and here puts the job back in play.
		_, removed, err := e.store.Remove(ctx, job.ID, func(j *Job) bool {
			return j.State == state && j.FinishedAt != nil && !j.FinishedAt.After(cutoff)
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return cleaned, err
		}
		if removed {
			cleaned++
		}
	}
	e.log.Info("Cleaned terminal jobs", "state", state, "grace", grace, "count", cleaned)
	return cleaned, nil
}

// Stop cancels all pending retry timers. Delayed jobs stay delayed; a
// restarted engine does not resurrect them in this in-process core.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) stopTimer(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) publish(kind EventType, job *Job) {
	if e.notifier == nil {
		return
	}
	e.notifier.Publish(Event{
		Type:      kind,
		Job:       job.Snapshot(),
		Timestamp: time.Now().UTC(),
	})
}
