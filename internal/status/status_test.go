package status

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/msageha/exportd/internal/daemon"
	"github.com/msageha/exportd/internal/export"
	"github.com/msageha/exportd/internal/model"
	yamlutil "github.com/msageha/exportd/internal/yaml"
)

func testConfig(t *testing.T) model.Config {
	t.Helper()
	cfg := model.Defaults()
	cfg.StateDir = t.TempDir()
	return cfg
}

func writeSnapshot(t *testing.T, cfg model.Config) {
	t.Helper()
	snap := daemon.Snapshot{
		SchemaVersion: 1,
		FileType:      "state_status",
		PID:           4242,
		UpdatedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Queues:        map[string]int{"manifest_sets": 2, "pending_files/small": 7},
		LastScan:      []export.ScanSummary{{Tag: "prod", Agents: 3, PendingPairs: 1, Enqueued: 1}},
		HoldingSwept:  5,
	}
	if err := yamlutil.Write(daemon.StatusPath(cfg), snap); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
}

func TestRun_OfflineWithoutSnapshot(t *testing.T) {
	cfg := testConfig(t)
	var buf bytes.Buffer
	err := Run(context.Background(), &buf, cfg, Options{Offline: true})
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestRun_OfflinePrintsSnapshot(t *testing.T) {
	cfg := testConfig(t)
	writeSnapshot(t, cfg)

	var buf bytes.Buffer
	if err := Run(context.Background(), &buf, cfg, Options{Offline: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"pid 4242", "manifest_sets", "pending_files/small", "prod", "Holding files swept: 5"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "manifest_sets") > strings.Index(out, "pending_files/small") {
		t.Errorf("queues not sorted:\n%s", out)
	}
}

func TestRun_JSON(t *testing.T) {
	cfg := testConfig(t)
	writeSnapshot(t, cfg)

	var buf bytes.Buffer
	if err := Run(context.Background(), &buf, cfg, Options{Offline: true, JSON: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), `"source": "file"`) {
		t.Errorf("unexpected JSON:\n%s", buf.String())
	}
}

func TestCollect_DaemonNotRunningFallsBackToFile(t *testing.T) {
	dir, err := os.MkdirTemp("", "exd")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cfg := model.Defaults()
	cfg.StateDir = filepath.Join(dir, "s")
	writeSnapshot(t, cfg)

	r, err := Collect(context.Background(), cfg, Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if r.Daemon.Running {
		t.Error("daemon reported running")
	}
	if r.Snapshot == nil || r.Snapshot.PID != 4242 {
		t.Errorf("snapshot = %+v", r.Snapshot)
	}
}

func TestPrintReport_Stopped(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, Report{})
	if !strings.Contains(buf.String(), "Daemon: stopped") {
		t.Errorf("output = %q", buf.String())
	}
}
