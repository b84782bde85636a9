package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/kiosk/internal/core"
)

type DocumentFetcher interface {
	FetchJob(ctx context.Context, code string) (core.Document, error)
}

type JobSubmitter interface {
	Busy() bool
	Submit(ctx context.Context, doc core.Document) (*core.Job, error)
}

type RecoveryTrigger interface {
	Activate() bool
}

type PrintRequest struct {
	Code string `json:"code" binding:"required"`
}

type PrintResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id,omitempty"`
}

const (
	statusPrinting     = "PRINTING"
	statusInvalidCode  = "INVALID_CODE"
	statusBusy         = "BUSY"
	statusOutOfService = "OUT_OF_SERVICE"
)

type PrintHandler struct {
	fetcher  DocumentFetcher
	jobs     JobSubmitter
	hub      core.Broadcaster
	recovery RecoveryTrigger
	log      *slog.Logger
}

func NewPrintHandler(fetcher DocumentFetcher, jobs JobSubmitter, hub core.Broadcaster, recovery RecoveryTrigger, logger *slog.Logger) *PrintHandler {
	return &PrintHandler{
		fetcher:  fetcher,
		jobs:     jobs,
		hub:      hub,
		recovery: recovery,
		log:      logger,
	}
}

// Print redeems a code: the document is fetched from the remote service and
// handed to the job manager, which monitors it after the response is sent.
func (h *PrintHandler) Print(c *gin.Context) {
	var req PrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, PrintResponse{Status: statusInvalidCode})
		return
	}

	if h.jobs.Busy() {
		h.log.Warn("print request rejected, job in progress", "code", req.Code)
		c.JSON(http.StatusConflict, PrintResponse{Status: statusBusy})
		return
	}

	// The job outlives a frontend that navigates away mid-download.
	ctx := context.WithoutCancel(c.Request.Context())

	job, err := h.redeem(ctx, req.Code)
	if err != nil {
		status, body := h.fail(ctx, req.Code, err)
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusOK, PrintResponse{Status: statusPrinting, JobID: job.ID})
}

func (h *PrintHandler) redeem(ctx context.Context, code string) (job *core.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("print request panicked: %v", r)
		}
	}()

	h.log.Info("request received to fetch document", "code", code)
	h.hub.Broadcast(ctx, core.Message{Event: core.EventFetching})

	doc, err := h.fetcher.FetchJob(ctx, code)
	if err != nil {
		return nil, err
	}
	h.log.Info("document downloaded", "code", code, "server_job_id", doc.ServerJobID)

	h.hub.Broadcast(ctx, core.Message{Event: core.EventPrinting})
	return h.jobs.Submit(ctx, doc)
}

func (h *PrintHandler) fail(ctx context.Context, code string, err error) (int, PrintResponse) {
	switch {
	case errors.Is(err, core.ErrInvalidCode):
		h.log.Error("code is not valid", "code", code)
		h.hub.Broadcast(ctx, core.Message{Event: core.EventInvalidCode})
		return http.StatusBadRequest, PrintResponse{Status: statusInvalidCode}

	case errors.Is(err, core.ErrJobInProgress):
		h.log.Warn("print request rejected, job in progress", "code", code)
		return http.StatusConflict, PrintResponse{Status: statusBusy}

	case errors.Is(err, core.ErrBackendUnavailable):
		h.log.Error("print backend unavailable", "code", code, "error", err)
		h.hub.Broadcast(ctx, core.Message{Event: core.EventOutOfService})
		return http.StatusServiceUnavailable, PrintResponse{Status: statusOutOfService}

	case errors.Is(err, core.ErrUpstreamFailure):
		h.log.Error("remote service failure", "code", code, "error", err)
		h.hub.Broadcast(ctx, core.Message{Event: core.EventOutOfService})
		h.startRecovery()
		return http.StatusServiceUnavailable, PrintResponse{Status: statusOutOfService}
	}

	h.log.Error("print request failed", "code", code, "error", err)
	h.hub.Broadcast(ctx, core.Message{Event: core.EventOutOfService})
	h.startRecovery()
	return http.StatusInternalServerError, PrintResponse{Status: statusOutOfService}
}

func (h *PrintHandler) startRecovery() {
	if h.recovery.Activate() {
		h.log.Info("recovery polling started")
	}
}
