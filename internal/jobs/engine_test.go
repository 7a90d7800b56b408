package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// captureNotifier records published events and mirrors them on a channel
// for tests that wait on delivery.
type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{ch: make(chan Event, 256)}
}

func (n *captureNotifier) Publish(evt Event) {
	n.mu.Lock()
	n.events = append(n.events, evt)
	n.mu.Unlock()
	select {
	case n.ch <- evt:
	default:
	}
}

func (n *captureNotifier) all() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

func newTestEngine(t *testing.T, opts EngineOptions) (*Engine, *captureNotifier) {
	t.Helper()
	notifier := newCaptureNotifier()
	engine := NewEngine(NewMemoryStore(mustTestLogger(t)), notifier, mustTestLogger(t), opts)
	t.Cleanup(engine.Stop)
	return engine, notifier
}

// waitForState polls until the job reaches the wanted state.
func waitForState(t *testing.T, e *Engine, id string, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		job, err := e.store.Get(context.Background(), id)
		if err == nil && job.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, err := e.store.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (job=%+v err=%v)", id, want, job, err)
}

// waitForEvent polls until the notifier has seen an event of the wanted
// type.
func waitForEvent(t *testing.T, n *captureNotifier, want EventType, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, evt := range n.all() {
			if evt.Type == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event observed within %s", want, timeout)
}

func TestSubmitCreatesWaitingJob(t *testing.T) {
	engine, notifier := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, err := engine.Submit(ctx, "Report")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.State != StateWaiting || job.AttemptsMade != 0 {
		t.Fatalf("submitted job: state=%s attempts=%d", job.State, job.AttemptsMade)
	}
	if job.ID == "" || job.CreatedAt.IsZero() {
		t.Fatalf("missing id or createdAt: %+v", job)
	}

	events := notifier.all()
	if len(events) != 1 || events[0].Type != EventCreated {
		t.Fatalf("want one created event, got %v", events)
	}
	if events[0].Job.ID != job.ID || events[0].Job.Name != "Report" {
		t.Fatalf("event snapshot incomplete: %+v", events[0].Job)
	}

	select {
	case <-engine.Wake():
	default:
		t.Fatalf("Submit did not signal the pool")
	}
}

func TestClaimNextIsFIFO(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	first, _ := engine.Submit(ctx, "first")
	second, _ := engine.Submit(ctx, "second")

	claimed, err := engine.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("want oldest waiting first, got %+v", claimed)
	}
	if claimed.State != StateActive || claimed.AttemptsMade != 1 {
		t.Fatalf("claimed job: state=%s attempts=%d", claimed.State, claimed.AttemptsMade)
	}

	claimed, _ = engine.ClaimNext(ctx)
	if claimed == nil || claimed.ID != second.ID {
		t.Fatalf("second claim: got %+v", claimed)
	}

	claimed, err = engine.ClaimNext(ctx)
	if err != nil || claimed != nil {
		t.Fatalf("empty queue claim: job=%+v err=%v", claimed, err)
	}
}

func TestPauseStopsAdmission(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	_, _ = engine.Submit(ctx, "held")
	engine.Pause()
	if !engine.Paused() {
		t.Fatalf("engine should report paused")
	}
	if job, _ := engine.ClaimNext(ctx); job != nil {
		t.Fatalf("claimed while paused: %+v", job)
	}
	engine.Resume()
	if job, _ := engine.ClaimNext(ctx); job == nil {
		t.Fatalf("claim after resume returned nothing")
	}
}

func TestReportProgressRequiresActive(t *testing.T) {
	engine, notifier := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "slow")
	if _, err := engine.ReportProgress(ctx, job.ID, 10, "warming up"); !IsInvalidTransition(err) {
		t.Fatalf("progress on waiting job: want InvalidTransition, got %v", err)
	}
	if _, err := engine.ReportProgress(ctx, "missing", 10, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("progress on unknown job: want ErrNotFound, got %v", err)
	}

	if _, err := engine.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	updated, err := engine.ReportProgress(ctx, job.ID, 40, "Clicking button")
	if err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	if updated.Progress.Percentage != 40 || updated.Progress.Action != "Clicking button" {
		t.Fatalf("progress not recorded: %+v", updated.Progress)
	}

	// Values are permissive: out-of-range and non-monotonic reports are
	// stored as given.
	if _, err := engine.ReportProgress(ctx, job.ID, 150, "overshoot"); err != nil {
		t.Fatalf("out-of-range progress rejected: %v", err)
	}
	if _, err := engine.ReportProgress(ctx, job.ID, 5, "rewind"); err != nil {
		t.Fatalf("non-monotonic progress rejected: %v", err)
	}

	var progressEvents int
	for _, evt := range notifier.all() {
		if evt.Type == EventProgress {
			progressEvents++
		}
	}
	if progressEvents != 3 {
		t.Fatalf("want 3 progress events, got %d", progressEvents)
	}
}

func TestSucceedSettlesJob(t *testing.T) {
	engine, notifier := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "ok")
	_, _ = engine.ClaimNext(ctx)

	logs := []string{"Started processing job: ok", "Completed job: ok"}
	settled, err := engine.Succeed(ctx, job.ID, logs)
	if err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if settled.State != StateCompleted || settled.FinishedAt == nil {
		t.Fatalf("settled job: %+v", settled)
	}
	if len(settled.Result) != 2 {
		t.Fatalf("result logs: %v", settled.Result)
	}

	if _, err := engine.Succeed(ctx, job.ID, nil); !IsInvalidTransition(err) {
		t.Fatalf("double Succeed: want InvalidTransition, got %v", err)
	}

	events := notifier.all()
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Job.Status != StateCompleted {
		t.Fatalf("last event: %+v", last)
	}
}

func TestFailRetriesThenExhausts(t *testing.T) {
	engine, notifier := newTestEngine(t, EngineOptions{MaxAttempts: 2, BackoffBase: 20 * time.Millisecond})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "flaky")

	// Attempt 1 fails: one automatic retry remains.
	_, _ = engine.ClaimNext(ctx)
	delayed, err := engine.Fail(ctx, job.ID, "boom")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if delayed.State != StateDelayed || delayed.FinishedAt != nil {
		t.Fatalf("after first failure: %+v", delayed)
	}

	// The backoff timer re-queues it without polling on our side. Wait
	// on the event rather than the store so the claim below cannot
	// outrun the queued publication.
	waitForEvent(t, notifier, EventQueued, time.Second)
	waitForState(t, engine, job.ID, StateWaiting, time.Second)

	// Attempt 2 fails: attempts exhausted.
	claimed, _ := engine.ClaimNext(ctx)
	if claimed == nil || claimed.AttemptsMade != 2 {
		t.Fatalf("second claim: %+v", claimed)
	}
	failed, err := engine.Fail(ctx, job.ID, "boom again")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.State != StateFailed || failed.FinishedAt == nil || failed.FailureReason != "boom again" {
		t.Fatalf("exhausted job: %+v", failed)
	}
	if failed.AttemptsMade != 2 {
		t.Fatalf("attemptsMade: want 2, got %d", failed.AttemptsMade)
	}

	var kinds []EventType
	for _, evt := range notifier.all() {
		kinds = append(kinds, evt.Type)
	}
	want := []EventType{EventCreated, EventStarted, EventDelayed, EventQueued, EventStarted, EventFailed}
	if len(kinds) != len(want) {
		t.Fatalf("event sequence: want %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event sequence: want %v, got %v", want, kinds)
		}
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{BackoffBase: 2 * time.Second})
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	} {
		if got := engine.backoffDelay(attempt); got != want {
			t.Fatalf("backoffDelay(%d): want %s, got %s", attempt, want, got)
		}
	}
}

func TestCancelRemovesJob(t *testing.T) {
	engine, notifier := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "doomed")
	if err := engine.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := engine.store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled job still stored: %v", err)
	}
	if _, err := engine.Retry(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retry after cancel: want ErrNotFound, got %v", err)
	}
	if err := engine.Delete(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete after cancel: want ErrNotFound, got %v", err)
	}

	events := notifier.all()
	if events[len(events)-1].Type != EventRemoved {
		t.Fatalf("cancel did not publish removal: %v", events)
	}
}

func TestCancelRejectsTerminalStates(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "done")
	_, _ = engine.ClaimNext(ctx)
	_, _ = engine.Succeed(ctx, job.ID, nil)

	err := engine.Cancel(ctx, job.ID)
	if !IsInvalidTransition(err) {
		t.Fatalf("cancel completed job: want InvalidTransition, got %v", err)
	}
	if job, _ := engine.store.Get(ctx, job.ID); job == nil || job.State != StateCompleted {
		t.Fatalf("rejected cancel mutated state: %+v", job)
	}
}

func TestCancelDelayedStopsRetryTimer(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{MaxAttempts: 3, BackoffBase: 20 * time.Millisecond})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "flaky")
	_, _ = engine.ClaimNext(ctx)
	_, _ = engine.Fail(ctx, job.ID, "boom")

	if err := engine.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel delayed job: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := engine.store.Get(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancelled delayed job came back: %v", err)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{MaxAttempts: 1})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "flaky")
	if _, err := engine.Retry(ctx, job.ID); !IsInvalidTransition(err) {
		t.Fatalf("retry waiting job: want InvalidTransition, got %v", err)
	}

	_, _ = engine.ClaimNext(ctx)
	_, _ = engine.Fail(ctx, job.ID, "boom")

	retried, err := engine.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.State != StateWaiting || retried.FailureReason != "" || retried.FinishedAt != nil {
		t.Fatalf("retried job not reset: %+v", retried)
	}
	if retried.AttemptsMade != 1 {
		t.Fatalf("manual retry must keep attempt history, got %d", retried.AttemptsMade)
	}

	// The fresh attempt may run even though automatic attempts were
	// exhausted.
	claimed, _ := engine.ClaimNext(ctx)
	if claimed == nil || claimed.AttemptsMade != 2 {
		t.Fatalf("claim after manual retry: %+v", claimed)
	}
}

func TestDeleteRejectsActiveAndIsIdempotent(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	job, _ := engine.Submit(ctx, "busy")
	_, _ = engine.ClaimNext(ctx)

	if err := engine.Delete(ctx, job.ID); !errors.Is(err, ErrJobActive) {
		t.Fatalf("delete active job: want ErrJobActive, got %v", err)
	}

	_, _ = engine.Succeed(ctx, job.ID, nil)
	if err := engine.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := engine.Delete(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: want ErrNotFound, got %v", err)
	}
}

func TestCleanRemovesOldTerminalJobs(t *testing.T) {
	engine, _ := newTestEngine(t, EngineOptions{})
	ctx := context.Background()

	oldJob, _ := engine.Submit(ctx, "old")
	_, _ = engine.ClaimNext(ctx)
	_, _ = engine.Succeed(ctx, oldJob.ID, nil)
	// Age the first job past the grace period.
	_, _ = engine.store.Update(ctx, oldJob.ID, func(j *Job) {
		aged := time.Now().Add(-2 * time.Hour)
		j.FinishedAt = &aged
	})

	freshJob, _ := engine.Submit(ctx, "fresh")
	_, _ = engine.ClaimNext(ctx)
	_, _ = engine.Succeed(ctx, freshJob.ID, nil)

	cleaned, err := engine.Clean(ctx, StateCompleted, time.Hour)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if cleaned != 1 {
		t.Fatalf("cleaned: want 1, got %d", cleaned)
	}
	if _, err := engine.store.Get(ctx, oldJob.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old job survived clean")
	}
	if _, err := engine.store.Get(ctx, freshJob.ID); err != nil {
		t.Fatalf("fresh job removed by clean: %v", err)
	}

	if _, err := engine.Clean(ctx, StateWaiting, 0); !IsInvalidTransition(err) {
		t.Fatalf("clean non-terminal state: want InvalidTransition, got %v", err)
	}
}
