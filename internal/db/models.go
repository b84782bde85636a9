package db

import "time"

type JobRecord struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	ServerJobID   string     `json:"server_job_id"`
	BackendHandle string     `json:"backend_handle"`
	State         string     `json:"state"`
	Message       string     `json:"message"`
	ColorMode     string     `json:"color_mode"`
	Duplex        bool       `json:"duplex"`
	Copies        int        `json:"copies"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
