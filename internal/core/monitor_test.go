package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/kiosk/internal/config"
)

var queued = BackendJobStatus{InQueue: true}

type monitorHarness struct {
	monitor  *Monitor
	backend  *fakeBackend
	hub      *fakeHub
	outbox   *fakeOutbox
	recorder *fakeRecorder
	clock    *fakeClock
	removed  *removals
	flag     *SuppressionFlag
	cfg      *config.MonitorConfig
}

func newMonitorHarness(b *fakeBackend) *monitorHarness {
	h := &monitorHarness{
		backend:  b,
		hub:      &fakeHub{},
		outbox:   &fakeOutbox{},
		recorder: &fakeRecorder{},
		clock:    newFakeClock(),
		removed:  &removals{},
		flag:     NewSuppressionFlag(),
		cfg: &config.MonitorConfig{
			PollInterval:    2 * time.Second,
			Timeout:         300 * time.Second,
			SuccessCooldown: 10 * time.Second,
			FailureCooldown: 30 * time.Second,
			CommandTimeout:  5 * time.Second,
		},
	}
	h.monitor = NewMonitor(b, h.hub, h.outbox, fakeTarget{}, h.recorder, h.flag, h.cfg, testLogger())
	h.monitor.clock = h.clock
	h.monitor.removeFile = h.removed.remove
	return h
}

func (h *monitorHarness) job() *Job {
	return &Job{
		ID:            "job-1",
		Code:          "ABC123",
		ServerJobID:   "J-7",
		BackendHandle: "HP-42",
		FilePath:      "/tmp/job-1.pdf",
		SubmittedAt:   h.clock.Now(),
		State:         JobStateSubmitted,
	}
}

func TestMonitorCompletesWhenJobLeavesQueue(t *testing.T) {
	b := &fakeBackend{
		statuses: []BackendJobStatus{queued, queued, queued, queued, {InQueue: false}},
		present:  true,
	}
	h := newMonitorHarness(b)

	var flagDuringPolling, flagDuringCooldown []bool
	b.onQuery = func(int) { flagDuringPolling = append(flagDuringPolling, h.flag.IsSet()) }
	h.clock.onSleep = func(d time.Duration) {
		if d == h.cfg.SuccessCooldown {
			flagDuringCooldown = append(flagDuringCooldown, h.flag.IsSet())
		}
	}

	job := h.job()
	state := h.monitor.Run(context.Background(), job)

	assert.Equal(t, JobStateCompleted, state)
	assert.Equal(t, 5, b.queries)
	assert.Equal(t, []Event{EventDone}, h.hub.Events())
	assert.Equal(t, []bool{true, true, true, true, true}, flagDuringPolling)
	assert.Equal(t, []bool{true}, flagDuringCooldown)
	assert.False(t, h.flag.IsSet())

	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "https://remote.test/K1/job/J-7/status", records[0].url)
	assert.Equal(t, StatusPayload{
		Code:    "ABC123",
		JobID:   "J-7",
		KioskID: "K1",
		Status:  "completed",
		Message: "Print Job Completed",
	}, records[0].payload)
	assert.Equal(t, 1, h.outbox.Kicks())

	assert.Equal(t, JobStateCompleted, h.recorder.finished["job-1"])
	assert.Equal(t, 1, h.removed.count("/tmp/job-1.pdf"))
	assert.Zero(t, b.cancelCount())
	require.NotNil(t, job.FinishedAt)
}

func TestMonitorFailsOnBackendError(t *testing.T) {
	b := &fakeBackend{
		statuses: []BackendJobStatus{queued, queued, {InQueue: true, Failed: true, Detail: "error: out of paper"}},
		present:  true,
	}
	h := newMonitorHarness(b)

	state := h.monitor.Run(context.Background(), h.job())

	assert.Equal(t, JobStateFailed, state)
	assert.Equal(t, 3, b.queries)
	assert.Equal(t, 1, b.cancelCount())
	assert.Equal(t, []Event{EventPrintFailed}, h.hub.Events())

	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "failed", records[0].payload.Status)
	assert.Equal(t, "Print failed: Print error", records[0].payload.Message)

	assert.Equal(t, JobStateFailed, h.recorder.finished["job-1"])
	assert.Equal(t, 1, h.removed.count("/tmp/job-1.pdf"))
	assert.False(t, h.flag.IsSet())
	assert.Contains(t, h.clock.sleeps, h.cfg.FailureCooldown)
}

func TestMonitorTimesOut(t *testing.T) {
	b := &fakeBackend{statuses: []BackendJobStatus{queued}, present: true}
	h := newMonitorHarness(b)
	job := h.job()

	state := h.monitor.Run(context.Background(), job)

	assert.Equal(t, JobStateTimedOut, state)
	assert.Equal(t, 1, b.cancelCount())
	assert.Equal(t, []Event{EventPrintFailed}, h.hub.Events())

	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Print failed: Print Timed Out", records[0].payload.Message)
	assert.True(t, job.FinishedAt.Sub(job.SubmittedAt) > h.cfg.Timeout)
}

func TestMonitorPrinterGoneAfterQueueEmpties(t *testing.T) {
	b := &fakeBackend{statuses: []BackendJobStatus{queued, {InQueue: false}}, present: false}
	h := newMonitorHarness(b)

	state := h.monitor.Run(context.Background(), h.job())

	assert.Equal(t, JobStateFailed, state)
	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Print failed: backend reported completion but device is now unreachable", records[0].payload.Message)
	assert.Zero(t, b.cancelCount())
}

func TestMonitorToleratesQueryErrors(t *testing.T) {
	b := &fakeBackend{
		statuses:  []BackendJobStatus{queued, queued, {InQueue: false}},
		queryErrs: map[int]error{1: errors.New("lpstat timed out"), 2: errors.New("lpstat timed out")},
		present:   true,
	}
	h := newMonitorHarness(b)

	state := h.monitor.Run(context.Background(), h.job())

	assert.Equal(t, JobStateCompleted, state)
	assert.Equal(t, 3, b.queries)
}

func TestMonitorRecoversFromPanicWhilePolling(t *testing.T) {
	b := &fakeBackend{statuses: []BackendJobStatus{queued}, present: true}
	b.onQuery = func(n int) {
		if n == 2 {
			panic("lpstat output unparseable")
		}
	}
	h := newMonitorHarness(b)

	state := h.monitor.Run(context.Background(), h.job())

	assert.Equal(t, JobStateFailed, state)
	assert.Equal(t, []Event{EventPrintFailed}, h.hub.Events())
	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Print failed: Monitoring error", records[0].payload.Message)
	assert.Equal(t, 1, h.removed.count("/tmp/job-1.pdf"))
	assert.False(t, h.flag.IsSet())
}

type panickingOutbox struct{ fakeOutbox }

func (*panickingOutbox) Enqueue(string, any) error { panic("disk gone") }

func TestMonitorCleansUpWhenFinishingPanics(t *testing.T) {
	b := &fakeBackend{statuses: []BackendJobStatus{{InQueue: false}}, present: true}
	h := newMonitorHarness(b)
	h.monitor.outbox = &panickingOutbox{}

	var state JobState
	assert.NotPanics(t, func() {
		state = h.monitor.Run(context.Background(), h.job())
	})

	assert.Equal(t, JobStateFailed, state)
	assert.Equal(t, 1, h.removed.count("/tmp/job-1.pdf"))
	assert.False(t, h.flag.IsSet())
}

func TestMonitorStopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &fakeBackend{statuses: []BackendJobStatus{queued}, present: true}
	b.onQuery = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	h := newMonitorHarness(b)

	state := h.monitor.Run(ctx, h.job())

	assert.Equal(t, JobStateFailed, state)
	assert.Equal(t, 1, b.cancelCount())
	assert.Equal(t, JobStateFailed, h.recorder.finished["job-1"])
	records := h.outbox.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "Print failed: Kiosk shutting down", records[0].payload.Message)
	assert.False(t, h.flag.IsSet())
}

func TestMonitorWithoutCodeSkipsReport(t *testing.T) {
	b := &fakeBackend{statuses: []BackendJobStatus{{InQueue: false}}, present: true}
	h := newMonitorHarness(b)
	job := h.job()
	job.Code = ""

	state := h.monitor.Run(context.Background(), job)

	assert.Equal(t, JobStateCompleted, state)
	assert.Empty(t, h.outbox.Records())
	assert.Zero(t, h.outbox.Kicks())
	assert.Equal(t, []Event{EventDone}, h.hub.Events())
}
