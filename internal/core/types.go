package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBackendUnavailable = errors.New("print backend unavailable")
	ErrUpstreamFailure    = errors.New("remote service unavailable")
	ErrInvalidCode        = errors.New("invalid redemption code")
	ErrJobInProgress      = errors.New("a print job is already in progress")
)

type JobState string

const (
	JobStateSubmitted JobState = "submitted"
	JobStatePolling   JobState = "polling"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateTimedOut  JobState = "timed_out"
)

func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateTimedOut
}

// PrintOptions are forwarded to the backend untouched.
type PrintOptions struct {
	ColorMode   string `json:"color_mode"`
	Duplex      bool   `json:"duplex"`
	Copies      int    `json:"copies"`
	Orientation string `json:"orientation"`
	PageRange   string `json:"page_range,omitempty"`
	Media       string `json:"media,omitempty"`
	Quality     string `json:"quality,omitempty"`
}

// Document is what the remote service hands back for a valid code.
type Document struct {
	Code        string
	ServerJobID string
	FilePath    string
	Options     PrintOptions
}

type Job struct {
	ID            string
	Code          string
	ServerJobID   string
	BackendHandle string
	FilePath      string
	Options       PrintOptions
	SubmittedAt   time.Time
	State         JobState
	Message       string
	FinishedAt    *time.Time
}

type Event string

const (
	EventFetching     Event = "FETCHING"
	EventPrinting     Event = "PRINTING"
	EventDone         Event = "DONE"
	EventPrintFailed  Event = "PRINT_FAILED"
	EventInvalidCode  Event = "INVALID_CODE"
	EventHealthy      Event = "HEALTHY"
	EventOutOfService Event = "OUT_OF_SERVICE"
)

type Message struct {
	Event Event `json:"event"`
}

// BackendJobStatus is the parsed answer of a backend queue query.
type BackendJobStatus struct {
	InQueue bool
	Failed  bool
	Detail  string
}

type PrintBackend interface {
	Submit(ctx context.Context, filePath string, opts PrintOptions) (string, error)
	Query(ctx context.Context, handle string) (BackendJobStatus, error)
	Cancel(ctx context.Context, handle string) error
	PrinterPresent(ctx context.Context) bool
}

type Broadcaster interface {
	Broadcast(ctx context.Context, msg Message)
}

type Kicker interface {
	Kick()
}

type OutboxWriter interface {
	Kicker
	Enqueue(url string, payload any) error
}

type OutcomeTarget interface {
	JobStatusURL(serverJobID string) string
	KioskID() string
}

type OutOfServiceNotifier interface {
	NotifyOutOfService(ctx context.Context, message string) error
}

type JobRecorder interface {
	RecordSubmitted(ctx context.Context, job *Job) error
	RecordFinished(ctx context.Context, job *Job) error
}

// StatusPayload is the body of a job status report.
type StatusPayload struct {
	Code    string `json:"code"`
	JobID   string `json:"job_id"`
	KioskID string `json:"kiosk_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}
