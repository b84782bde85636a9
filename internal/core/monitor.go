package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/orrn/kiosk/internal/config"
)

const (
	reasonCompleted    = "Print Job Completed"
	reasonPrintError   = "Print error"
	reasonTimedOut     = "Print Timed Out"
	reasonUnreachable  = "backend reported completion but device is now unreachable"
	reasonMonitorPanic = "Monitoring error"
	reasonShutdown     = "Kiosk shutting down"
)

// Monitor drives one submitted job to a terminal state. The suppression flag
// is held from the first poll until the post-outcome cool-down has elapsed.
type Monitor struct {
	backend     PrintBackend
	hub         Broadcaster
	outbox      OutboxWriter
	target      OutcomeTarget
	recorder    JobRecorder
	suppression *SuppressionFlag
	config      *config.MonitorConfig
	clock       Clock
	log         *slog.Logger
	removeFile  func(string) error
}

func NewMonitor(backend PrintBackend, hub Broadcaster, outbox OutboxWriter, target OutcomeTarget, recorder JobRecorder, suppression *SuppressionFlag, cfg *config.MonitorConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		backend:     backend,
		hub:         hub,
		outbox:      outbox,
		target:      target,
		recorder:    recorder,
		suppression: suppression,
		config:      cfg,
		clock:       RealClock(),
		log:         logger,
		removeFile:  os.Remove,
	}
}

// Run blocks until the job is terminal and the cool-down has passed. The
// job's file is removed on every path out of Run.
func (m *Monitor) Run(ctx context.Context, job *Job) (final JobState) {
	defer m.removeArtifact(job)
	defer m.suppression.Clear()
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job finalisation panicked", "job_id", job.ID, "panic", r)
			job.State = JobStateFailed
			final = JobStateFailed
		}
	}()

	m.suppression.Set()
	job.State = JobStatePolling
	m.log.Info("monitoring print job", "job_id", job.ID, "handle", job.BackendHandle, "code", job.Code)

	state, reason := m.watch(ctx, job)
	m.finish(ctx, job, state, reason)
	return job.State
}

func (m *Monitor) watch(ctx context.Context, job *Job) (state JobState, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("fatal error monitoring job", "job_id", job.ID, "handle", job.BackendHandle, "panic", r)
			state, reason = JobStateFailed, reasonMonitorPanic
		}
	}()

	for {
		if m.clock.Now().Sub(job.SubmittedAt) > m.config.Timeout {
			m.log.Error("print job timed out", "job_id", job.ID, "handle", job.BackendHandle)
			m.cancel(ctx, job)
			return JobStateTimedOut, reasonTimedOut
		}

		if state, reason, done := m.tick(ctx, job); done {
			return state, reason
		}

		if err := m.clock.Sleep(ctx, m.config.PollInterval); err != nil {
			m.log.Warn("monitor interrupted", "job_id", job.ID, "error", err)
			m.cancel(ctx, job)
			return JobStateFailed, reasonShutdown
		}
	}
}

func (m *Monitor) tick(ctx context.Context, job *Job) (JobState, string, bool) {
	qctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	status, err := m.backend.Query(qctx, job.BackendHandle)
	cancel()
	if err != nil {
		m.log.Warn("backend query failed", "job_id", job.ID, "handle", job.BackendHandle, "error", err)
		return "", "", false
	}

	if !status.InQueue {
		pctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
		present := m.backend.PrinterPresent(pctx)
		cancel()
		if present {
			m.log.Info("print job completed", "job_id", job.ID, "handle", job.BackendHandle)
			return JobStateCompleted, reasonCompleted, true
		}
		m.log.Error("print job left the queue but printer is gone", "job_id", job.ID, "handle", job.BackendHandle)
		return JobStateFailed, reasonUnreachable, true
	}

	if status.Failed {
		m.log.Error("print job error", "job_id", job.ID, "handle", job.BackendHandle, "detail", status.Detail)
		m.cancel(ctx, job)
		return JobStateFailed, reasonPrintError, true
	}

	return "", "", false
}

// cancel is best-effort and must work even while the process is shutting down.
func (m *Monitor) cancel(ctx context.Context, job *Job) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.CommandTimeout)
	defer cancel()

	if err := m.backend.Cancel(cctx, job.BackendHandle); err != nil {
		m.log.Warn("cancel failed", "job_id", job.ID, "handle", job.BackendHandle, "error", err)
	}
}

func (m *Monitor) finish(ctx context.Context, job *Job, state JobState, reason string) {
	now := m.clock.Now()
	job.State = state
	job.Message = reason
	job.FinishedAt = &now

	event, status, cooldown := EventPrintFailed, "failed", m.config.FailureCooldown
	message := fmt.Sprintf("Print failed: %s", reason)
	if state == JobStateCompleted {
		event, status, cooldown = EventDone, "completed", m.config.SuccessCooldown
		message = reason
	}

	m.hub.Broadcast(ctx, Message{Event: event})

	if job.Code != "" {
		m.notify(job, status, message)
	}

	if m.recorder != nil {
		if err := m.recorder.RecordFinished(context.WithoutCancel(ctx), job); err != nil {
			m.log.Error("failed to record job outcome", "job_id", job.ID, "error", err)
		}
	}

	if err := m.clock.Sleep(ctx, cooldown); err != nil {
		m.log.Debug("cool-down cut short", "job_id", job.ID, "error", err)
	}
}

func (m *Monitor) notify(job *Job, status, message string) {
	payload := StatusPayload{
		Code:    job.Code,
		JobID:   job.ServerJobID,
		KioskID: m.target.KioskID(),
		Status:  status,
		Message: message,
	}

	if err := m.outbox.Enqueue(m.target.JobStatusURL(job.ServerJobID), payload); err != nil {
		m.log.Error("failed to enqueue job outcome", "job_id", job.ID, "code", job.Code, "error", err)
		return
	}
	m.outbox.Kick()
}

func (m *Monitor) removeArtifact(job *Job) {
	if job.FilePath == "" {
		return
	}
	err := m.removeFile(job.FilePath)
	switch {
	case err == nil:
		m.log.Info("temp file deleted", "path", job.FilePath)
	case errors.Is(err, os.ErrNotExist):
		m.log.Warn("temp file not found", "path", job.FilePath)
	default:
		m.log.Error("failed to delete temp file", "path", job.FilePath, "error", err)
	}
}
