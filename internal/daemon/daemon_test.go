package daemon

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/uds"
)

// testConfig keeps the state directory short enough for a unix socket path.
func testConfig(t *testing.T) model.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "exd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := model.Defaults()
	cfg.StateDir = filepath.Join(dir, "s")
	cfg.Files.Root = filepath.Join(dir, "files")
	cfg.Store.Driver = "memory"
	cfg.Daemon.MetricsAddr = ""
	cfg.Daemon.ShutdownTimeout = model.Duration(5 * time.Second)
	cfg.Daemon.Debounce = model.Duration(20 * time.Millisecond)
	cfg.Commands.FeedRate = 0
	for _, tc := range []*model.TaskConfig{
		&cfg.ManifestProcessor.TaskConfig,
		&cfg.CompleteProcessor.TaskConfig,
		&cfg.DataFileProcessor,
	} {
		tc.Instances = 1
		tc.DequeueWait = model.Duration(20 * time.Millisecond)
		tc.EmptyPause = model.Duration(20 * time.Millisecond)
	}
	return cfg
}

type running struct {
	d      *Daemon
	client *uds.Client
	cancel context.CancelFunc
	errCh  chan error
}

func startDaemon(t *testing.T, cfg model.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		d:      New(cfg, zerolog.Nop()),
		client: uds.NewClient(SocketPath(cfg)),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	r.client.SetTimeout(5 * time.Second)
	go func() { r.errCh <- r.d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.client.Call(context.Background(), "ping", nil, nil) == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon never answered ping")

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.errCh:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	return r
}

// stopped waits for Run to return.
func (r *running) stopped(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errCh:
		r.errCh <- err
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

// writeAged creates rel under the export root with a modification time age in the past.
func writeAged(t *testing.T, cfg model.Config, rel, content string, age time.Duration) {
	t.Helper()
	full := filepath.Join(cfg.Files.Root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	mt := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(full, mt, mt))
}

func exists(cfg model.Config, rel string) bool {
	_, err := os.Stat(filepath.Join(cfg.Files.Root, filepath.FromSlash(rel)))
	return err == nil
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{" error ", zerolog.ErrorLevel},
		{"verbose", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", false)
	log.Info().Msg("hidden")
	log.Warn().Str("agent_id", "a1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"agent_id":"a1"`)
	assert.Contains(t, out, `"level":"warn"`)
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "info", true)
	log.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, strings.HasPrefix(buf.String(), "{"), "console output is not JSON")
}

func TestDaemon_ControlCommands(t *testing.T) {
	cfg := testConfig(t)
	r := startDaemon(t, cfg)
	ctx := context.Background()

	var status Snapshot
	require.NoError(t, r.client.Call(ctx, "status", nil, &status))
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, statusFileType, status.FileType)
	for _, q := range []string{"manifest_sets", "complete_files", "pending_files/empty", "pending_files/oversize"} {
		assert.Contains(t, status.Queues, q)
	}

	var scan ScanResult
	require.NoError(t, r.client.Call(ctx, "scan", nil, &scan))
	require.Len(t, scan.Summaries, 1)
	assert.Equal(t, "prod", scan.Summaries[0].Tag)

	require.NoError(t, r.client.Call(ctx, "scan", ScanParams{Tag: "prod"}, &scan))
	require.Len(t, scan.Summaries, 1)

	var reap ReapResult
	require.NoError(t, r.client.Call(ctx, "reap", nil, &reap))
	assert.Contains(t, reap.Deleted, model.TableCommandState)
	assert.Contains(t, reap.Deleted, model.TableLocks)

	var sweep SweepResult
	require.NoError(t, r.client.Call(ctx, "sweep", nil, &sweep))
	assert.Zero(t, sweep.Removed)
}

func TestDaemon_ScanRejectsUnknownTag(t *testing.T) {
	cfg := testConfig(t)
	r := startDaemon(t, cfg)

	err := r.client.Call(context.Background(), "scan", ScanParams{Tag: "staging"}, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	requests := r.d.metrics.ControlRequests
	assert.Equal(t, 1.0, testutil.ToFloat64(requests.WithLabelValues("scan", uds.ErrCodeValidation)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(requests.WithLabelValues("ping", uds.CodeOK)), 1.0)
}

func TestDaemon_ShutdownCommand(t *testing.T) {
	cfg := testConfig(t)
	r := startDaemon(t, cfg)

	var out map[string]string
	require.NoError(t, r.client.Call(context.Background(), "shutdown", nil, &out))
	assert.Equal(t, "shutdown_accepted", out["status"])

	require.NoError(t, r.stopped(t))
	_, err := os.Stat(SocketPath(cfg))
	assert.True(t, os.IsNotExist(err), "socket removed")
	_, err = os.Stat(cfg.ResolvePath(filepath.Join("locks", "exportd.lock")))
	assert.True(t, os.IsNotExist(err), "lock released")
}

func TestDaemon_SecondInstanceRejected(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	err := New(cfg, zerolog.Nop()).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func TestDaemon_WritesStatusSnapshot(t *testing.T) {
	cfg := testConfig(t)
	r := startDaemon(t, cfg)

	require.Eventually(t, func() bool {
		_, ok, err := ReadStatus(cfg)
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	r.cancel()
	require.NoError(t, r.stopped(t))

	snap, ok, err := ReadStatus(cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), snap.PID)
	assert.Contains(t, snap.Queues, "manifest_sets")
}

func TestReadStatus_Missing(t *testing.T) {
	cfg := model.Defaults()
	cfg.StateDir = t.TempDir()

	snap, ok, err := ReadStatus(cfg)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestReadStatus_CorruptWithoutBackup(t *testing.T) {
	cfg := model.Defaults()
	cfg.StateDir = t.TempDir()
	require.NoError(t, os.MkdirAll(cfg.ResolvePath("state"), 0o755))
	require.NoError(t, os.WriteFile(StatusPath(cfg), []byte("schema_version: 1\nfile_type: other\n"), 0o644))

	_, ok, err := ReadStatus(cfg)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(StatusPath(cfg))
	assert.True(t, os.IsNotExist(err), "corrupt snapshot quarantined")
}

func TestDaemon_PackagesBatchEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	suffix := time.Now().UTC().Add(-time.Hour).Format("_2006_01_02_15")
	dataMf := "prod/agent1/DataFileManifest" + suffix
	writeAged(t, cfg, dataMf, "b.tsv\n", time.Hour)
	writeAged(t, cfg, "prod/agent1/RequestManifest"+suffix, "c1\n", time.Hour)
	writeAged(t, cfg, "prod/agent1/b.tsv", "rows", time.Hour)

	startDaemon(t, cfg)

	pkg := "packages/agent1/DataFileManifest" + suffix + "/b.json"
	require.Eventually(t, func() bool {
		return exists(cfg, pkg) && exists(cfg, "holding/agent1/DataFileManifest"+suffix)
	}, 10*time.Second, 50*time.Millisecond, "batch never retired")

	got, err := os.ReadFile(filepath.Join(cfg.Files.Root, filepath.FromSlash(pkg)))
	require.NoError(t, err)
	assert.Equal(t, "rows", string(got))
	assert.False(t, exists(cfg, dataMf), "manifest moved out of the export tree")

	// the activity log records the batch from enqueue to completion
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.ResolvePath(filepath.Join("logs", "activity.jsonl")))
		return err == nil && bytes.Contains(data, []byte("batch_completed"))
	}, 5*time.Second, 50*time.Millisecond)
}
