package handlers

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/paveldudka/async-job-scheduler/internal/jobs"
	"github.com/paveldudka/async-job-scheduler/internal/logger"
)

type JobsHandler struct {
	engine *jobs.Engine
	store  jobs.Store
	log    *logger.Logger
}

func NewJobsHandler(engine *jobs.Engine, store jobs.Store, log *logger.Logger) *JobsHandler {
	return &JobsHandler{engine: engine, store: store, log: log.With("component", "JobsHandler")}
}

type createJobRequest struct {
	Name string `json:"name"`
}

// POST /api/jobs
func (h *JobsHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("Job name is required"))
		return
	}

	job, err := h.engine.Submit(c.Request.Context(), req.Name)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "job": job.Snapshot()})
}

// GET /api/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	all := make([]jobs.Snapshot, 0)
	for _, state := range jobs.States {
		listed, err := h.store.ListByState(c.Request.Context(), state, 0, 0)
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "list_failed", err)
			return
		}
		for _, job := range listed {
			all = append(all, job.Snapshot())
		}
	}

	// Newest first, like the dashboard expects.
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	RespondOK(c, gin.H{"success": true, "jobs": all, "total": len(all)})
}

// GET /api/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}

	snap := job.Snapshot()
	// The failure reason is only surfaced once the job has settled as
	// failed; a reason recorded between retry attempts stays internal.
	if snap.Status != jobs.StateFailed {
		snap.FailureReason = ""
	}
	RespondOK(c, gin.H{"success": true, "job": snap})
}

// POST /api/jobs/:id/cancel
func (h *JobsHandler) CancelJob(c *gin.Context) {
	err := h.engine.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondTransitionError(c, "cancel_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true, "message": "Job cancelled successfully"})
}

// POST /api/jobs/:id/retry
func (h *JobsHandler) RetryJob(c *gin.Context) {
	_, err := h.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondTransitionError(c, "retry_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true, "message": "Job queued for retry"})
}

// DELETE /api/jobs/:id
func (h *JobsHandler) DeleteJob(c *gin.Context) {
	err := h.engine.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobActive) {
			RespondError(c, http.StatusConflict, "job_active", err)
			return
		}
		h.respondTransitionError(c, "delete_failed", err)
		return
	}
	RespondOK(c, gin.H{"success": true, "message": "Job deleted successfully"})
}

func (h *JobsHandler) respondTransitionError(c *gin.Context, code string, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		RespondError(c, http.StatusNotFound, "job_not_found", err)
	case jobs.IsInvalidTransition(err):
		RespondError(c, http.StatusBadRequest, code, err)
	default:
		RespondError(c, http.StatusInternalServerError, code, err)
	}
}
