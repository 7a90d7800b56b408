package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Handle is the capability a workload gets for the job it is running.
// Progress reports route synchronously through the engine.
type Handle interface {
	ID() string
	Name() string
	ReportProgress(ctx context.Context, percentage float64, action string) error
}

// Workload is a pluggable unit of work. It returns the log lines of a
// successful run, or an error recorded as the attempt's failure reason.
type Workload interface {
	Run(ctx context.Context, h Handle) ([]string, error)
}

// WorkloadFunc adapts a function to the Workload interface.
type WorkloadFunc func(ctx context.Context, h Handle) ([]string, error)

func (f WorkloadFunc) Run(ctx context.Context, h Handle) ([]string, error) {
	return f(ctx, h)
}

// webAgentActions are the actions the simulated workload pretends to
// perform.
var webAgentActions = []string{
	"Navigating to page",
	"Loading resources",
	"Clicking button",
	"Typing text in input field",
	"Scrolling to element",
	"Waiting for element to appear",
	"Taking screenshot",
	"Extracting data from page",
	"Validating form fields",
	"Submitting form",
}

// ErrSimulatedFailure is the injected random failure of the simulated
// workload.
var ErrSimulatedFailure = errors.New("Simulated random failure")

// SimulatedWorkload mimics a web agent: a fixed number of steps, one
// random action per step, a progress report per step and a configurable
// chance of failing outright.
type SimulatedWorkload struct {
	Steps        int
	StepDuration time.Duration
	FailureRate  float64
}

func NewSimulatedWorkload(stepDuration time.Duration, failureRate float64) *SimulatedWorkload {
	return &SimulatedWorkload{
		Steps:        10,
		StepDuration: stepDuration,
		FailureRate:  failureRate,
	}
}

func (w *SimulatedWorkload) Run(ctx context.Context, h Handle) ([]string, error) {
	if w.FailureRate > 0 && rand.Float64() < w.FailureRate {
		return nil, ErrSimulatedFailure
	}

	logs := []string{fmt.Sprintf("Started processing job: %s", h.Name())}

	for step := 1; step <= w.Steps; step++ {
		action := webAgentActions[rand.IntN(len(webAgentActions))]
		percentage := math.Round(float64(step) / float64(w.Steps) * 100)

		if err := h.ReportProgress(ctx, percentage, action); err != nil {
			// The job was cancelled out from under us; stop reporting.
			return nil, err
		}
		logs = append(logs, fmt.Sprintf("[%d/%d] %s (%.0f%%)", step, w.Steps, action, percentage))

		if step < w.Steps {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.StepDuration):
			}
		}
	}

	logs = append(logs, fmt.Sprintf("Completed job: %s", h.Name()))
	return logs, nil
}
