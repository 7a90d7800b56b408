package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paveldudka/async-job-scheduler/internal/bus"
	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

// StreamMessage is one data frame on an event stream.
type StreamMessage struct {
	Type      string         `json:"type"`
	Job       *jobs.Snapshot `json:"job,omitempty"`
	Message   string         `json:"message,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StreamHandler is the subscription gateway: one long-lived SSE
// connection per observer, fed from the notification bus, with periodic
// heartbeats so intermediaries do not cut idle streams.
type StreamHandler struct {
	hub       *bus.Hub
	store     jobs.Store
	log       *logger.Logger
	heartbeat time.Duration
}

func NewStreamHandler(hub *bus.Hub, store jobs.Store, log *logger.Logger, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &StreamHandler{
		hub:       hub,
		store:     store,
		log:       log.With("component", "StreamHandler"),
		heartbeat: heartbeat,
	}
}

// GET /api/jobs/:id/stream
//
// Pushes the job's current snapshot immediately, then every subsequent
// transition; a terminal transition is forwarded and the stream closed.
func (h *StreamHandler) StreamJob(c *gin.Context) {
	id := c.Param("id")

	// Subscribe before the snapshot read so no transition can land in
	// between: the bus has no replay.
	sub := h.hub.Subscribe("job:" + id)
	// Unsubscribe is idempotent, so whichever exit path runs first is
	// the one and only release.
	defer h.hub.Unsubscribe(sub)

	job, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}

	flusher, ok := h.prepare(c)
	if !ok {
		return
	}

	log := h.log.With("subscriber_id", sub.ID, "job_id", id)
	log.Debug("Job stream connected")
	defer log.Debug("Job stream closed")

	// Snapshot first: bus delivery starts at subscribe time, so the
	// observer needs the current state pushed explicitly.
	snap := job.Snapshot()
	h.writeMessage(c, flusher, StreamMessage{Type: "status", Job: &snap, Timestamp: time.Now().UTC()})
	if snap.Status.Terminal() {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.writeHeartbeat(c, flusher)
			// Bus delivery is lossy under backpressure; re-check the
			// store so a missed terminal transition still ends the
			// stream instead of leaving it idling on heartbeats.
			current, err := h.store.Get(ctx, id)
			if err != nil {
				h.writeMessage(c, flusher, StreamMessage{Type: "error", Message: "Job not found", Timestamp: time.Now().UTC()})
				return
			}
			if current.State.Terminal() {
				final := current.Snapshot()
				h.writeMessage(c, flusher, StreamMessage{Type: "status", Job: &final, Timestamp: time.Now().UTC()})
				return
			}
		case evt, open := <-sub.C:
			if !open {
				return
			}
			if evt.Type == jobs.EventRemoved {
				h.writeMessage(c, flusher, StreamMessage{Type: "error", Message: "Job not found", Timestamp: time.Now().UTC()})
				return
			}
			h.writeMessage(c, flusher, StreamMessage{Type: "status", Job: &evt.Job, Timestamp: evt.Timestamp})
			if evt.Job.Status.Terminal() {
				return
			}
		}
	}
}

// GET /api/jobs/stream
//
// Wildcard stream: every event for every job, no initial snapshot. The
// caller is expected to have listed jobs already.
func (h *StreamHandler) StreamAll(c *gin.Context) {
	flusher, ok := h.prepare(c)
	if !ok {
		return
	}

	sub := h.hub.SubscribeAll()
	defer h.hub.Unsubscribe(sub)

	log := h.log.With("subscriber_id", sub.ID)
	log.Debug("Wildcard stream connected")
	defer log.Debug("Wildcard stream closed")

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.writeHeartbeat(c, flusher)
		case evt, open := <-sub.C:
			if !open {
				return
			}
			h.writeMessage(c, flusher, StreamMessage{Type: "job-update", Job: &evt.Job, Timestamp: evt.Timestamp})
		}
	}
}

func (h *StreamHandler) prepare(c *gin.Context) (http.Flusher, bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		RespondError(c, http.StatusInternalServerError, "streaming_unsupported", fmt.Errorf("streaming unsupported"))
		return nil, false
	}
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func (h *StreamHandler) writeMessage(c *gin.Context, flusher http.Flusher, msg StreamMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("Could not marshal stream message", "error", err)
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	flusher.Flush()
}

func (h *StreamHandler) writeHeartbeat(c *gin.Context, flusher http.Flusher) {
	fmt.Fprintf(c.Writer, ": heartbeat %d\n\n", time.Now().UnixMilli())
	flusher.Flush()
}
