package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/orrn/kiosk/internal/config"
	"github.com/orrn/kiosk/internal/core"
)

// Client talks to the remote kiosk service. Every call is bounded by either
// the fetch or the request timeout.
type Client struct {
	baseURL    string
	healthURL  string
	kioskID    string
	fetch      *http.Client
	httpClient *http.Client
	tempDir    string
	log        *slog.Logger
}

func NewClient(cfg config.RemoteConfig, kioskID string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		healthURL:  cfg.HealthURL,
		kioskID:    kioskID,
		fetch:      &http.Client{Timeout: cfg.FetchTimeout},
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		tempDir:    cfg.TempDir,
		log:        logger,
	}
}

func (c *Client) KioskID() string {
	return c.kioskID
}

func (c *Client) JobStatusURL(serverJobID string) string {
	return fmt.Sprintf("%s/%s/job/%s/status", c.baseURL, c.kioskID, serverJobID)
}

type processCodeRequest struct {
	Code    string `json:"code"`
	KioskID string `json:"kiosk_id"`
}

type processCodeResponse struct {
	Data struct {
		File struct {
			ID flexID `json:"id"`
		} `json:"file"`
		Job struct {
			ID          flexID `json:"id"`
			ColorMode   string `json:"colorMode"`
			Duplex      bool   `json:"duplex"`
			Copies      int    `json:"copies"`
			Orientation string `json:"orientation"`
		} `json:"job"`
	} `json:"data"`
}

// flexID accepts both string and numeric identifiers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// FetchJob exchanges a redemption code for a document and downloads it to a
// temporary PDF. The caller owns the returned file.
func (c *Client) FetchJob(ctx context.Context, code string) (core.Document, error) {
	url := fmt.Sprintf("%s/%s/process-code", c.baseURL, c.kioskID)
	body, err := json.Marshal(processCodeRequest{Code: code, KioskID: c.kioskID})
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return core.Document{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.fetch.Do(req)
	if err != nil {
		return core.Document{}, fmt.Errorf("%w: server unreachable: %v", core.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		return core.Document{}, core.ErrInvalidCode
	case resp.StatusCode != http.StatusOK:
		return core.Document{}, fmt.Errorf("%w: bad server response: %d", core.ErrUpstreamFailure, resp.StatusCode)
	}

	var parsed processCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return core.Document{}, fmt.Errorf("%w: malformed server response: %v", core.ErrUpstreamFailure, err)
	}
	if parsed.Data.File.ID == "" || parsed.Data.Job.ID == "" {
		return core.Document{}, fmt.Errorf("%w: server response missing file or job id", core.ErrUpstreamFailure)
	}

	path, err := c.download(ctx, string(parsed.Data.File.ID))
	if err != nil {
		return core.Document{}, err
	}

	job := parsed.Data.Job
	doc := core.Document{
		Code:        code,
		ServerJobID: string(job.ID),
		FilePath:    path,
		Options: core.PrintOptions{
			ColorMode:   job.ColorMode,
			Duplex:      job.Duplex,
			Copies:      job.Copies,
			Orientation: job.Orientation,
		},
	}
	c.log.Info("fetched print job", "code", code, "server_job_id", doc.ServerJobID, "file", path)
	return doc, nil
}

func (c *Client) download(ctx context.Context, fileID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/file/%s", c.baseURL, fileID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.fetch.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: file download failed: %v", core.ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: file download failed: %d", core.ErrUpstreamFailure, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.tempDir, "kiosk-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: file download interrupted: %v", core.ErrUpstreamFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return tmp.Name(), nil
}

// Deliver posts a queued report. Only a 200 counts as acknowledged.
func (c *Client) Deliver(ctx context.Context, url string, payload json.RawMessage) error {
	status, err := c.post(ctx, url, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("http error: %d", status)
	}
	return nil
}

func (c *Client) NotifyOutOfService(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/%s/out_of_service", c.baseURL, c.kioskID)
	return c.postMessage(ctx, url, message)
}

func (c *Client) Heartbeat(ctx context.Context, message string) error {
	url := fmt.Sprintf("%s/%s/heartbeat", c.baseURL, c.kioskID)
	return c.postMessage(ctx, url, fmt.Sprintf("%s  Kiosk ID : %s", message, c.kioskID))
}

// Healthy reports whether the remote health endpoint answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("server health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) postMessage(ctx context.Context, url, message string) error {
	body, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	status, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("http error: %d", status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

var (
	_ core.OutcomeTarget        = (*Client)(nil)
	_ core.OutOfServiceNotifier = (*Client)(nil)
	_ core.RemoteHealth         = (*Client)(nil)
)

