package jobs

import (
	"time"
)

// State is the lifecycle phase of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
)

// States lists every state in the order the dashboard displays them.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed, StateDelayed:
		return true
	}
	return false
}

// Progress is the latest progress report for an active job. Percentage is
// not validated or forced monotonic; the workload is trusted to report
// sensible values.
type Progress struct {
	Percentage float64   `json:"progress"`
	Action     string    `json:"action,omitempty"`
	UpdatedAt  time.Time `json:"timestamp,omitzero"`
}

// Job is the central entity. All mutation goes through the Engine; the
// store hands out copies so callers never share a Job with the engine.
type Job struct {
	ID            string
	Name          string
	State         State
	CreatedAt     time.Time
	FinishedAt    *time.Time
	Progress      Progress
	AttemptsMade  int
	FailureReason string
	// Result holds the log lines recorded by a successful run.
	Result []string
}

// Snapshot is the client-facing view of a job, shaped like the API payload
// the dashboard consumes.
type Snapshot struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Status        State      `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	Progress      Progress   `json:"progress"`
	FinishedAt    *time.Time `json:"finishedAt"`
	FailureReason string     `json:"failedReason,omitempty"`
	AttemptsMade  int        `json:"attemptsMade"`
	Logs          []string   `json:"logs"`
}

// Snapshot renders the full current field set of the job.
func (j *Job) Snapshot() Snapshot {
	logs := j.Result
	if logs == nil {
		logs = []string{}
	}
	return Snapshot{
		ID:            j.ID,
		Name:          j.Name,
		Status:        j.State,
		CreatedAt:     j.CreatedAt,
		Progress:      j.Progress,
		FinishedAt:    j.FinishedAt,
		FailureReason: j.FailureReason,
		AttemptsMade:  j.AttemptsMade,
		Logs:          logs,
	}
}

func (j *Job) clone() *Job {
	cp := *j
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.Result != nil {
		cp.Result = append([]string(nil), j.Result...)
	}
	return &cp
}
