package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

const recentJobsPreview = 5

type AdminHandler struct {
	engine    *jobs.Engine
	store     jobs.Store
	log       *logger.Logger
	queueName string
	workers   int
}

func NewAdminHandler(engine *jobs.Engine, store jobs.Store, log *logger.Logger, queueName string, workers int) *AdminHandler {
	return &AdminHandler{
		engine:    engine,
		store:     store,
		log:       log.With("component", "AdminHandler"),
		queueName: queueName,
		workers:   workers,
	}
}

// GET /api/admin/queues
func (h *AdminHandler) QueueStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.store.CountByState(ctx)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "stats_failed", err)
		return
	}

	recent := make(map[jobs.State][]jobs.Snapshot, len(jobs.States))
	for _, state := range jobs.States {
		listed, err := h.store.ListByState(ctx, state, 0, recentJobsPreview)
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "stats_failed", err)
			return
		}
		snaps := make([]jobs.Snapshot, 0, len(listed))
		for _, job := range listed {
			snaps = append(snaps, job.Snapshot())
		}
		recent[state] = snaps
	}

	RespondOK(c, gin.H{
		"success": true,
		"queue": gin.H{
			"name":    h.queueName,
			"counts":  counts,
			"workers": h.workers,
			"paused":  h.engine.Paused(),
		},
		"recentJobs": recent,
	})
}

// POST /api/admin/queues/pause
func (h *AdminHandler) PauseQueue(c *gin.Context) {
	h.engine.Pause()
	RespondOK(c, gin.H{"success": true, "message": "Queue paused"})
}

// POST /api/admin/queues/resume
func (h *AdminHandler) ResumeQueue(c *gin.Context) {
	h.engine.Resume()
	RespondOK(c, gin.H{"success": true, "message": "Queue resumed"})
}

type cleanRequest struct {
	Status string `json:"status"`
	// Grace is in milliseconds; only jobs that finished at least this
	// long ago are removed.
	Grace int64 `json:"grace"`
}

// POST /api/admin/queues/clean
func (h *AdminHandler) CleanQueue(c *gin.Context) {
	var req cleanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	state := jobs.State(req.Status)
	if !state.Terminal() {
		RespondError(c, http.StatusBadRequest, "invalid_status",
			errors.New(`Invalid status. Must be "completed" or "failed"`))
		return
	}

	cleaned, err := h.engine.Clean(c.Request.Context(), state, time.Duration(req.Grace)*time.Millisecond)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "clean_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true, "cleaned": cleaned, "status": state})
}
