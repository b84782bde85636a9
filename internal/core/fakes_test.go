package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock advances virtual time on every Sleep instead of blocking.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	return ctx.Err()
}

type fakeBackend struct {
	mu        sync.Mutex
	statuses  []BackendJobStatus
	queryErrs map[int]error
	queries   int
	present   bool
	cancels   []string
	submitErr error
	handle    string
	onQuery   func(n int)
}

func (b *fakeBackend) Submit(_ context.Context, _ string, _ PrintOptions) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return b.handle, nil
}

// Query returns statuses in order and repeats the last one once they run out.
func (b *fakeBackend) Query(_ context.Context, _ string) (BackendJobStatus, error) {
	b.mu.Lock()
	b.queries++
	n := b.queries
	hook := b.onQuery
	var status BackendJobStatus
	if len(b.statuses) > 0 {
		i := n - 1
		if i >= len(b.statuses) {
			i = len(b.statuses) - 1
		}
		status = b.statuses[i]
	}
	err := b.queryErrs[n]
	b.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return status, err
}

func (b *fakeBackend) Cancel(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, handle)
	return errors.New("cancel is best-effort")
}

func (b *fakeBackend) PrinterPresent(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.present
}

func (b *fakeBackend) queryCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries
}

func (b *fakeBackend) cancelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.cancels)
}

type fakeHub struct {
	mu     sync.Mutex
	events []Event
}

func (h *fakeHub) Broadcast(_ context.Context, msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msg.Event)
}

func (h *fakeHub) Events() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

type enqueued struct {
	url     string
	payload StatusPayload
}

type fakeOutbox struct {
	mu      sync.Mutex
	records []enqueued
	kicks   int
}

func (o *fakeOutbox) Enqueue(url string, payload any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, _ := payload.(StatusPayload)
	o.records = append(o.records, enqueued{url: url, payload: p})
	return nil
}

func (o *fakeOutbox) Kick() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kicks++
}

func (o *fakeOutbox) Records() []enqueued {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]enqueued(nil), o.records...)
}

func (o *fakeOutbox) Kicks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.kicks
}

type fakeTarget struct{}

func (fakeTarget) JobStatusURL(id string) string { return "https://remote.test/K1/job/" + id + "/status" }
func (fakeTarget) KioskID() string { return "K1" }

type fakeRecorder struct {
	mu        sync.Mutex
	submitted []string
	finished  map[string]JobState
}

func (r *fakeRecorder) RecordSubmitted(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted = append(r.submitted, job.ID)
	return nil
}

func (r *fakeRecorder) RecordFinished(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]JobState)
	}
	r.finished[job.ID] = job.State
	return nil
}

// removals counts removeFile calls per path.
type removals struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *removals) remove(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[path]++
	if r.calls[path] > 1 {
		return os.ErrNotExist
	}
	return nil
}

func (r *removals) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[path]
}
