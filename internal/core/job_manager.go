package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// JobManager admits at most one job at a time and hands each accepted job to
// a Monitor running in its own goroutine.
type JobManager struct {
	backend    PrintBackend
	monitor    *Monitor
	recorder   JobRecorder
	clock      Clock
	log        *slog.Logger
	removeFile func(string) error

	active  atomic.Bool
	current atomic.Pointer[Job]
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewJobManager(backend PrintBackend, monitor *Monitor, recorder JobRecorder, logger *slog.Logger) *JobManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		backend:    backend,
		monitor:    monitor,
		recorder:   recorder,
		clock:      RealClock(),
		log:        logger,
		removeFile: os.Remove,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (jm *JobManager) Busy() bool {
	return jm.active.Load()
}

// Current returns the job being monitored as it was at submission, or nil.
func (jm *JobManager) Current() *Job {
	j := jm.current.Load()
	if j == nil {
		return nil
	}
	cp := *j
	return &cp
}

// Submit hands doc to the backend and starts monitoring it. On any error the
// document's file is removed before returning.
func (jm *JobManager) Submit(ctx context.Context, doc Document) (*Job, error) {
	if !jm.active.CompareAndSwap(false, true) {
		jm.discard(doc.FilePath)
		return nil, ErrJobInProgress
	}

	handedOff := false
	defer func() {
		if !handedOff {
			jm.active.Store(false)
		}
	}()

	if !jm.backend.PrinterPresent(ctx) {
		jm.discard(doc.FilePath)
		return nil, fmt.Errorf("%w: printer offline", ErrBackendUnavailable)
	}

	handle, err := jm.backend.Submit(ctx, doc.FilePath, doc.Options)
	if err != nil {
		jm.discard(doc.FilePath)
		if errors.Is(err, ErrBackendUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	job := &Job{
		ID:            uuid.NewString(),
		Code:          doc.Code,
		ServerJobID:   doc.ServerJobID,
		BackendHandle: handle,
		FilePath:      doc.FilePath,
		Options:       doc.Options,
		SubmittedAt:   jm.clock.Now(),
		State:         JobStateSubmitted,
	}
	jm.log.Info("print job submitted", "job_id", job.ID, "handle", handle, "code", job.Code, "server_job_id", job.ServerJobID)

	if jm.recorder != nil {
		if err := jm.recorder.RecordSubmitted(ctx, job); err != nil {
			jm.log.Error("failed to record submitted job", "job_id", job.ID, "error", err)
		}
	}

	snapshot := *job
	view := snapshot
	view.State = JobStatePolling
	jm.current.Store(&view)
	handedOff = true
	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		defer jm.active.Store(false)
		defer jm.current.Store(nil)
		jm.monitor.Run(jm.ctx, job)
	}()

	return &snapshot, nil
}

func (jm *JobManager) discard(path string) {
	if path == "" {
		return
	}
	if err := jm.removeFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		jm.log.Error("failed to delete temp file", "path", path, "error", err)
	}
}

// Stop interrupts a running monitor and waits for it to clean up.
func (jm *JobManager) Stop() {
	jm.cancel()
	jm.wg.Wait()
}
