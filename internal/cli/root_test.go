package cli

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/kiosk/internal/api/middleware"
	"github.com/orrn/kiosk/internal/config"
	"github.com/orrn/kiosk/internal/core"
	"github.com/orrn/kiosk/internal/db"
	"github.com/orrn/kiosk/internal/outbox"
	"github.com/orrn/kiosk/internal/scheduler"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "kiosk", cmd.Use)
	assert.True(t, cmd.SilenceErrors)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{{"serve"}, {"diagnose"}, {"outbox"}, {"outbox", "list"}, {"outbox", "flush"}, {"owner", "reset"}}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "kiosk.yaml", configFlag.DefValue)

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serveCmd.Flags().Lookup("secure-cookies"))
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfigVerboseAndInvalid(t *testing.T) {
	path := writeConfig(t, "kiosk:\n  id: K1\nlogging:\n  level: warn\n")
	cfg, logger, err := loadConfig(&RootOptions{ConfigPath: path, Verbose: true}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "K1", cfg.Kiosk.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))

	path = writeConfig(t, "server:\n  port: 0\n")
	_, _, err = loadConfig(&RootOptions{ConfigPath: path}, io.Discard)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func writeQueue(t *testing.T, path string, records []outbox.Record) {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestOutboxList(t *testing.T) {
	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")
	writeQueue(t, queuePath, []outbox.Record{{
		ID:        "rec-1",
		URL:       "https://remote.test/K1/job/42/status",
		Payload:   json.RawMessage(`{"status":"completed"}`),
		Timestamp: time.Now(),
	}})
	path := writeConfig(t, fmt.Sprintf("kiosk:\n  id: K1\noutbox:\n  path: %s\n", queuePath))

	out, err := execute(t, "outbox", "list", "--config", path)
	require.NoError(t, err)

	var pending []outbox.Record
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "rec-1", pending[0].ID)
}

func TestOutboxFlush(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	queuePath := filepath.Join(dir, "queue.json")
	writeQueue(t, queuePath, []outbox.Record{
		{ID: "rec-1", URL: srv.URL + "/K1/job/42/status", Payload: json.RawMessage(`{}`), Timestamp: time.Now()},
		{ID: "rec-2", URL: srv.URL + "/K1/job/43/status", Payload: json.RawMessage(`{}`), Timestamp: time.Now()},
	})
	path := writeConfig(t, fmt.Sprintf("kiosk:\n  id: K1\nremote:\n  base_url: %s\noutbox:\n  path: %s\n", srv.URL, queuePath))

	out, err := execute(t, "outbox", "flush", "--config", path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"attempted":2,"delivered":2,"gave_up":0,"remaining":0}`, out)
	assert.Equal(t, int32(2), hits.Load())

	data, err := os.ReadFile(queuePath)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestDiagnoseReportsFailingChecks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := writeConfig(t, fmt.Sprintf(`kiosk:
  id: K1
health:
  internet_url: %s
  check_timeout: 1s
diagnostics:
  backend_addr: %s
  frontend_addr: 127.0.0.1:1
printer:
  usb_vendors: ["ffff"]
`, srv.URL, srv.Listener.Addr().String()))

	out, err := execute(t, "diagnose", "--config", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var report core.DiagnosticsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "FAIL", report.Status)
	assert.True(t, report.Checks["internet"])
	assert.True(t, report.Checks["backend"])
	assert.False(t, report.Checks["frontend"])
	assert.False(t, report.Checks["printer"])
}

func TestOwnerResetClearsPasswordAndSigningKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "kiosk.db")
	store, err := db.Open(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Settings.SetSetting(ctx, middleware.KeyOwnerPassword, "hash"))
	require.NoError(t, store.Settings.SetSetting(ctx, middleware.KeySigningKey, "abcd"))
	require.NoError(t, store.Settings.SetSetting(ctx, "other", "kept"))
	require.NoError(t, store.Close())

	path := writeConfig(t, fmt.Sprintf("kiosk:\n  id: K1\ndatabase:\n  path: %s\n", dbPath))
	out, err := execute(t, "owner", "reset", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "/owner/setup")

	store, err = db.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()

	for _, key := range []string{middleware.KeyOwnerPassword, middleware.KeySigningKey} {
		_, err := store.Settings.GetSetting(ctx, key)
		assert.ErrorIs(t, err, sql.ErrNoRows, key)
	}
	kept, err := store.Settings.GetSetting(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "kept", kept.Value)
}

type countingKicker struct {
	kicks atomic.Int32
}

func (k *countingKicker) Kick() { k.kicks.Add(1) }

type noopHeartbeat struct{}

func (noopHeartbeat) Heartbeat(context.Context, string) error { return nil }

type noopPruner struct{}

func (noopPruner) PruneBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func TestRegisterTasks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Heartbeat: config.HeartbeatConfig{Schedule: "every now and then"},
	}
	err := registerTasks(scheduler.New(logger), cfg, noopHeartbeat{}, &countingKicker{}, noopPruner{}, logger)
	assert.Error(t, err)

	cfg = &config.Config{
		Outbox:   config.OutboxConfig{FlushSchedule: "@every 1s"},
		Database: config.DatabaseConfig{RetentionDays: 30},
	}
	kicker := &countingKicker{}
	s := scheduler.New(logger)
	require.NoError(t, registerTasks(s, cfg, noopHeartbeat{}, kicker, noopPruner{}, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool { return kicker.kicks.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
