package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// PoolOptions configure the worker pool.
type PoolOptions struct {
	// Concurrency is the number of executors, and also the cap on job
	// starts per second.
	Concurrency int
	// PollInterval is the fallback admission check when no wake signal
	// arrives.
	PollInterval time.Duration
}

// Pool runs admitted jobs on a fixed number of executors. Admission is
// oldest-waiting-first and rate limited to Concurrency starts per second.
// A workload panic is treated as a reported failure; it never takes the
// executor slot down.
type Pool struct {
	engine   *Engine
	workload Workload
	log      *logger.Logger

	concurrency  int
	pollInterval time.Duration
	limiter      *rate.Limiter

	wg sync.WaitGroup
}

func NewPool(engine *Engine, workload Workload, log *logger.Logger, opts PoolOptions) *Pool {
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Pool{
		engine:       engine,
		workload:     workload,
		log:          log.With("component", "WorkerPool"),
		concurrency:  opts.Concurrency,
		pollInterval: opts.PollInterval,
		limiter:      rate.NewLimiter(rate.Limit(opts.Concurrency), opts.Concurrency),
	}
}

// Start launches the executors and returns immediately. The pool drains
// when ctx is cancelled; Wait blocks until every executor has exited.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Worker pool starting", "concurrency", p.concurrency)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runExecutor(ctx, i)
	}
}

// Wait blocks until all executors have stopped.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runExecutor(ctx context.Context, slot int) {
	defer p.wg.Done()
	log := p.log.With("slot", slot)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.engine.Wake():
		case <-ticker.C:
		}

		// Claim until the waiting set is drained, so one wake signal is
		// enough for a burst of submissions.
		for {
			if err := p.limiter.Wait(ctx); err != nil {
				return
			}
			job, err := p.engine.ClaimNext(ctx)
			if err != nil {
				log.Warn("Admission failed", "error", err)
				break
			}
			if job == nil {
				break
			}
			p.execute(ctx, log, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, log *logger.Logger, job *Job) {
	log.Info("Executing job", "job_id", job.ID, "name", job.Name, "attempt", job.AttemptsMade)

	var (
		logs []string
		err  error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Workload panic", "job_id", job.ID, "panic", r)
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		logs, err = p.workload.Run(ctx, &poolHandle{engine: p.engine, job: job})
	}()

	if err == nil {
		if _, serr := p.engine.Succeed(ctx, job.ID, logs); serr != nil {
			if errors.Is(serr, ErrNotFound) {
				log.Debug("Job gone before completion, likely cancelled", "job_id", job.ID)
				return
			}
			log.Warn("Could not record completion", "job_id", job.ID, "error", serr)
		}
		return
	}

	if errors.Is(err, ErrNotFound) {
		log.Debug("Job removed mid-run, dropping attempt", "job_id", job.ID)
		return
	}
	if _, ferr := p.engine.Fail(ctx, job.ID, err.Error()); ferr != nil {
		if errors.Is(ferr, ErrNotFound) {
			log.Debug("Job gone before failure was recorded", "job_id", job.ID)
			return
		}
		log.Warn("Could not record failure", "job_id", job.ID, "error", ferr)
	}
}

// poolHandle is the workload's view of its job.
type poolHandle struct {
	engine *Engine
	job    *Job
}

func (h *poolHandle) ID() string   { return h.job.ID }
func (h *poolHandle) Name() string { return h.job.Name }

func (h *poolHandle) ReportProgress(ctx context.Context, percentage float64, action string) error {
	_, err := h.engine.ReportProgress(ctx, h.job.ID, percentage, action)
	return err
}
