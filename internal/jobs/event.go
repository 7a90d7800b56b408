package jobs

import "time"

// EventType names the transition that produced an event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDelayed   EventType = "delayed"
	EventQueued    EventType = "queued"
	EventRemoved   EventType = "removed"
)

// Event announces a job transition. It carries the full current snapshot,
// never a diff, so subscribers reconstruct state without extra lookups.
type Event struct {
	Type      EventType `json:"type"`
	Job       Snapshot  `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}

// Topic is the pub/sub channel the event is published under.
func (e Event) Topic() string {
	return "job:" + e.Job.ID
}

// Notifier decouples the engine from the notification bus implementation.
type Notifier interface {
	Publish(evt Event)
}
