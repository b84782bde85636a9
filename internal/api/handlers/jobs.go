package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/kiosk/internal/core"
	"github.com/orrn/kiosk/internal/db"
)

type JobHistory interface {
	ListJobs(ctx context.Context, limit, offset int) ([]*db.JobRecord, error)
	CountByState(ctx context.Context) (map[string]int, error)
}

type ActiveJob interface {
	Current() *core.Job
}

type ListJobsQuery struct {
	Limit  int `form:"limit" binding:"max=100"`
	Offset int `form:"offset" binding:"min=0"`
}

type CurrentJobResponse struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	ServerJobID string    `json:"server_job_id"`
	Handle      string    `json:"backend_handle"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type JobListResponse struct {
	Jobs    []*db.JobRecord     `json:"jobs"`
	Counts  map[string]int      `json:"counts"`
	Current *CurrentJobResponse `json:"current,omitempty"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

type JobHandler struct {
	history JobHistory
	active  ActiveJob
}

func NewJobHandler(history JobHistory, active ActiveJob) *JobHandler {
	return &JobHandler{history: history, active: active}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	var query ListJobsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if query.Limit <= 0 {
		query.Limit = 50
	}

	ctx := c.Request.Context()
	jobs, err := h.history.ListJobs(ctx, query.Limit, query.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}
	counts, err := h.history.CountByState(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count jobs"})
		return
	}
	if jobs == nil {
		jobs = []*db.JobRecord{}
	}

	resp := JobListResponse{
		Jobs:   jobs,
		Counts: counts,
		Limit:  query.Limit,
		Offset: query.Offset,
	}
	if job := h.active.Current(); job != nil {
		resp.Current = &CurrentJobResponse{
			ID:          job.ID,
			Code:        job.Code,
			ServerJobID: job.ServerJobID,
			Handle:      job.BackendHandle,
			State:       string(job.State),
			SubmittedAt: job.SubmittedAt,
		}
	}

	c.JSON(http.StatusOK, resp)
}
