// Package status reports a daemon's queues and its last discovery pass.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/msageha/exportd/internal/daemon"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/uds"
)

type Report struct {
	Daemon   DaemonStatus     `json:"daemon"`
	Snapshot *daemon.Snapshot `json:"snapshot,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	// Source is "live" when the daemon answered and "file" when the
	// snapshot was read from state/status.yaml.
	Source string `json:"source,omitempty"`
}

type Options struct {
	// Offline skips the daemon and reads the last written snapshot.
	Offline bool
	JSON    bool
	Timeout time.Duration
}

var ErrNoSnapshot = errors.New("no status snapshot found; has the daemon run in this state directory?")

// Run collects the status of the daemon owning cfg.StateDir and prints it.
func Run(ctx context.Context, w io.Writer, cfg model.Config, opts Options) error {
	report, err := Collect(ctx, cfg, opts)
	if err != nil {
		return err
	}
	if opts.Offline && report.Snapshot == nil {
		return ErrNoSnapshot
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

// Collect asks the daemon for a live snapshot and falls back to the file
// it last wrote.
func Collect(ctx context.Context, cfg model.Config, opts Options) (Report, error) {
	if !opts.Offline {
		if snap, err := fetch(ctx, cfg, opts.Timeout); err == nil {
			return Report{Daemon: DaemonStatus{Running: true, Source: "live"}, Snapshot: snap}, nil
		}
	}

	snap, ok, err := daemon.ReadStatus(cfg)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, nil
	}
	return Report{Daemon: DaemonStatus{Source: "file"}, Snapshot: snap}, nil
}

func fetch(ctx context.Context, cfg model.Config, timeout time.Duration) (*daemon.Snapshot, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := uds.NewClient(daemon.SocketPath(cfg))
	client.SetTimeout(timeout)
	var snap daemon.Snapshot
	if err := client.Call(ctx, "status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func printReport(w io.Writer, r Report) {
	// Daemon
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid %d, since %s)\n", r.Snapshot.PID, r.Snapshot.StartedAt.Format(time.RFC3339))
	case r.Snapshot != nil:
		fmt.Fprintf(w, "Daemon: not answering, snapshot from %s (pid %d)\n", r.Snapshot.UpdatedAt.Format(time.RFC3339), r.Snapshot.PID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
		fmt.Fprintln(w, "\nNo status snapshot.")
		return
	}
	s := r.Snapshot

	// Queues
	names := make([]string, 0, len(s.Queues))
	for q := range s.Queues {
		names = append(names, q)
	}
	slices.Sort(names)
	fmt.Fprintln(w, "\nQueues:")
	fmt.Fprintf(w, "  %-24s  %7s\n", "NAME", "DEPTH")
	for _, q := range names {
		fmt.Fprintf(w, "  %-24s  %7d\n", q, s.Queues[q])
	}

	// Discovery
	if len(s.LastScan) == 0 {
		fmt.Fprintln(w, "\nLast discovery: none")
	} else {
		fmt.Fprintln(w, "\nLast discovery:")
		fmt.Fprintf(w, "  %-12s  %6s  %5s  %8s  %7s  %5s  %s\n", "TAG", "AGENTS", "PAIRS", "ENQUEUED", "DELETED", "LOOSE", "OLDEST")
		for _, sum := range s.LastScan {
			fmt.Fprintf(w, "  %-12s  %6d  %5d  %8d  %7d  %5d  %s\n",
				sum.Tag, sum.Agents, sum.PendingPairs, sum.Enqueued, sum.Deleted, sum.LooseFiles, sum.OldestBatchAge.Round(time.Second))
		}
	}

	fmt.Fprintf(w, "\nHolding files swept: %d\n", s.HoldingSwept)
}
