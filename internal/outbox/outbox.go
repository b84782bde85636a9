package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultMaxAttempts = 10

// Record is one pending outcome report. The JSON shape is the on-disk format.
type Record struct {
	ID        string          `json:"id"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Attempts  int             `json:"attempts"`
}

// UnmarshalJSON accepts timestamps with or without a zone so queues written
// by older agents still load. An unparseable timestamp is left zero.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		Timestamp string `json:"timestamp"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Timestamp = parseTimestamp(aux.Timestamp)
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Deliverer posts one payload and returns nil only when the remote side acknowledged it.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload json.RawMessage) error
}

type Config struct {
	Path        string
	MaxAttempts int
	Timeout     time.Duration
}

// Outbox is a persisted queue of outcome reports with at-least-once delivery.
// Every mutation rewrites the whole document.
type Outbox struct {
	path        string
	maxAttempts int
	timeout     time.Duration
	deliverer   Deliverer
	log         *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	records []Record

	flushMu sync.Mutex
	kick    chan struct{}
}

type FlushResult struct {
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	GaveUp    int `json:"gave_up"`
	Remaining int `json:"remaining"`
}

// Open loads any records left from a previous run. Unreadable records are
// skipped; a document that is not a JSON array at all is moved aside rather
// than overwritten.
func Open(cfg Config, deliverer Deliverer, logger *slog.Logger) (*Outbox, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create outbox directory: %w", err)
		}
	}

	o := &Outbox{
		path:        cfg.Path,
		maxAttempts: cfg.MaxAttempts,
		timeout:     cfg.Timeout,
		deliverer:   deliverer,
		log:         logger,
		now:         time.Now,
		kick:        make(chan struct{}, 1),
	}

	records, err := readRecords(cfg.Path, logger)
	if err != nil {
		aside := cfg.Path + ".corrupt"
		logger.Error("failed to load notification queue, moving it aside", "path", cfg.Path, "moved_to", aside, "error", err)
		if rerr := os.Rename(cfg.Path, aside); rerr != nil {
			return nil, fmt.Errorf("failed to move corrupt outbox aside: %w", rerr)
		}
		records = nil
	}

	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
	}
	o.records = records
	logger.Info("loaded pending notifications", "count", len(records))

	return o, nil
}

// Enqueue appends a record and persists the queue before returning.
func (o *Outbox) Enqueue(url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	rec := Record{
		ID:        uuid.NewString(),
		URL:       url,
		Payload:   raw,
		Timestamp: o.now(),
	}
	next := append(append([]Record(nil), o.records...), rec)
	if err := writeRecords(o.path, next); err != nil {
		return fmt.Errorf("failed to persist notification: %w", err)
	}
	o.records = next

	o.log.Info("added notification to queue", "id", rec.ID, "url", url)
	return nil
}

// Pending returns a copy of the queue.
func (o *Outbox) Pending() []Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Record(nil), o.records...)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.records)
}

// Flush makes one delivery attempt per record. Records are dropped once
// delivered or once they have used up their attempts. Concurrent flushes
// run one after another; enqueues are not blocked by deliveries in flight.
// Cancelling ctx ends the pass early and leaves untried records unchanged.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	snapshot := o.Pending()
	if len(snapshot) == 0 {
		return FlushResult{}, nil
	}
	o.log.Info("processing pending notifications", "count", len(snapshot))

	var result FlushResult
	drop := make(map[string]bool, len(snapshot))
	tried := make(map[string]bool, len(snapshot))
	for _, rec := range snapshot {
		if ctx.Err() != nil {
			break
		}
		attempt := rec.Attempts + 1

		err := o.deliver(ctx, rec)
		if err != nil && ctx.Err() != nil {
			// Interrupted by the caller, not refused by the remote: leave it as it was.
			o.log.Warn("flush interrupted", "id", rec.ID, "error", err)
			break
		}
		tried[rec.ID] = true
		result.Attempted++

		if err != nil {
			o.log.Error("failed to send queued notification", "id", rec.ID, "url", rec.URL, "attempt", attempt, "error", err)
		} else {
			o.log.Info("sent queued notification", "id", rec.ID, "url", rec.URL)
			drop[rec.ID] = true
			result.Delivered++
			continue
		}

		if attempt >= o.maxAttempts {
			o.log.Error("giving up on notification", "id", rec.ID, "url", rec.URL, "attempts", attempt)
			drop[rec.ID] = true
			result.GaveUp++
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(tried) == 0 {
		result.Remaining = len(o.records)
		return result, nil
	}

	next := make([]Record, 0, len(o.records))
	for _, rec := range o.records {
		if drop[rec.ID] {
			continue
		}
		if tried[rec.ID] {
			rec.Attempts++
		}
		next = append(next, rec)
	}

	if err := writeRecords(o.path, next); err != nil {
		// Keep memory and disk in step: the next flush retries from the old document.
		return result, fmt.Errorf("failed to persist notification queue: %w", err)
	}
	o.records = next
	result.Remaining = len(next)

	o.log.Info("queue processed", "remaining", result.Remaining)
	return result, nil
}

func (o *Outbox) deliver(ctx context.Context, rec Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.deliverer.Deliver(dctx, rec.URL, rec.Payload)
}

// Kick asks the Run loop for a flush without waiting for it.
func (o *Outbox) Kick() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

func (o *Outbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.kick:
			if _, err := o.Flush(ctx); err != nil {
				o.log.Error("flush failed", "error", err)
			}
		}
	}
}

func readRecords(path string, logger *slog.Logger) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(raw))
	for i, item := range raw {
		var rec Record
		if err := json.Unmarshal(item, &rec); err != nil || rec.URL == "" {
			logger.Warn("skipping unreadable notification", "path", path, "index", i, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func writeRecords(path string, records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
