package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/msageha/exportd/internal/export"
	"github.com/msageha/exportd/internal/model"
	yamlutil "github.com/msageha/exportd/internal/yaml"
)

const statusFileType = "state_status"

// Snapshot is the daemon's view of its queues. It is returned by the status
// command and written to state/status.yaml on every sweep tick.
type Snapshot struct {
	SchemaVersion int                  `yaml:"schema_version" json:"schema_version"`
	FileType      string               `yaml:"file_type" json:"file_type"`
	PID           int                  `yaml:"pid" json:"pid"`
	StartedAt     time.Time            `yaml:"started_at" json:"started_at"`
	UpdatedAt     time.Time            `yaml:"updated_at" json:"updated_at"`
	Queues        map[string]int       `yaml:"queues" json:"queues"`
	LastScan      []export.ScanSummary `yaml:"last_scan,omitempty" json:"last_scan,omitempty"`
	HoldingSwept  int                  `yaml:"holding_swept" json:"holding_swept"`
}

// StatusPath is where the daemon keeps its last snapshot.
func StatusPath(cfg model.Config) string {
	return cfg.ResolvePath(filepath.Join("state", "status.yaml"))
}

func pendingQueueName(p model.FileSizePartition) string {
	return model.QueuePendingFiles + "/" + string(p)
}

// queueDepths reads every queue depth and mirrors it into the depth gauge.
func (d *Daemon) queueDepths(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(model.Partitions)+2)

	n, err := d.env.ManifestSets.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", model.QueueManifestSets, err)
	}
	out[model.QueueManifestSets] = n

	n, err = d.env.CompleteFiles.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", model.QueueCompleteFiles, err)
	}
	out[model.QueueCompleteFiles] = n

	depths, err := d.env.PendingFiles.Depths(ctx)
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", model.QueuePendingFiles, err)
	}
	for p, n := range depths {
		out[pendingQueueName(p)] = n
	}

	for q, n := range out {
		d.metrics.QueueDepth.WithLabelValues(q).Set(float64(n))
	}
	return out, nil
}

// snapshot collects the current status.
func (d *Daemon) snapshot(ctx context.Context) (*Snapshot, error) {
	queues, err := d.queueDepths(ctx)
	if err != nil {
		return nil, err
	}

	d.statusMu.Lock()
	swept := d.holdingSwept
	d.statusMu.Unlock()

	return &Snapshot{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      statusFileType,
		PID:           os.Getpid(),
		StartedAt:     d.startedAt,
		UpdatedAt:     d.clock.Now(),
		Queues:        queues,
		LastScan:      d.monitor.LastScan(),
		HoldingSwept:  swept,
	}, nil
}

// writeStatus persists the current snapshot to state/status.yaml.
func (d *Daemon) writeStatus(ctx context.Context) error {
	snap, err := d.snapshot(ctx)
	if err != nil {
		return err
	}
	if err := yamlutil.Write(StatusPath(d.cfg), snap); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadStatus loads the snapshot a daemon last wrote. A corrupt file is moved
// to state/quarantine and its backup used instead. The bool is false when
// no snapshot exists.
func ReadStatus(cfg model.Config) (*Snapshot, bool, error) {
	path := StatusPath(cfg)
	var snap Snapshot
	ok, err := yamlutil.Read(path, statusFileType, &snap)
	if errors.Is(err, yamlutil.ErrCorrupt) {
		restored, rerr := yamlutil.Recover(cfg.ResolvePath(filepath.Join("state", "quarantine")), path, statusFileType, &snap)
		if rerr != nil || !restored {
			return nil, false, rerr
		}
		return &snap, true, nil
	}
	if err != nil || !ok {
		return nil, false, err
	}
	return &snap, true, nil
}
