package daemon

import (
	"context"
	"os"
	"slices"
	"time"

	"github.com/msageha/exportd/internal/export"
	"github.com/msageha/exportd/internal/uds"
)

// ScanParams narrows a scan command to one tag. Empty scans every tag.
type ScanParams struct {
	Tag string `json:"tag,omitempty"`
}

type ScanResult struct {
	Summaries []export.ScanSummary `json:"summaries"`
}

type ReapResult struct {
	Deleted map[string]int `json:"deleted"`
}

type SweepResult struct {
	Removed int `json:"removed"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.SetObserver(func(command, code string, elapsed time.Duration) {
		d.metrics.ControlRequests.WithLabelValues(command, code).Inc()
		d.log.Debug().Str("command", command).Str("code", code).Dur("elapsed", elapsed).Msg("control request")
	})
	d.server.Handle("ping", func(ctx context.Context, req *uds.Request) (any, error) {
		return map[string]any{"status": "ok", "pid": os.Getpid()}, nil
	})
	d.server.Handle("scan", uds.Bind(d.handleScan))
	d.server.Handle("status", func(ctx context.Context, req *uds.Request) (any, error) {
		return d.snapshot(ctx)
	})
	d.server.Handle("reap", func(ctx context.Context, req *uds.Request) (any, error) {
		deleted, err := d.reaper.Sweep(ctx)
		if err != nil {
			return nil, err
		}
		return ReapResult{Deleted: deleted}, nil
	})
	d.server.Handle("sweep", func(ctx context.Context, req *uds.Request) (any, error) {
		n, err := d.sweep(ctx)
		if err != nil {
			return nil, err
		}
		return SweepResult{Removed: n}, nil
	})
	d.server.Handle("shutdown", func(ctx context.Context, req *uds.Request) (any, error) {
		d.log.Info().Msg("shutdown requested via UDS")
		go d.Shutdown()
		return map[string]string{"status": "shutdown_accepted"}, nil
	})
}

func (d *Daemon) handleScan(ctx context.Context, p ScanParams) (any, error) {
	if p.Tag == "" {
		sums, err := d.monitor.ScanAll(ctx)
		if err != nil {
			return nil, err
		}
		return ScanResult{Summaries: sums}, nil
	}
	if !slices.Contains(d.cfg.Tags, p.Tag) {
		return nil, uds.Errorf(uds.ErrCodeValidation, "tag %q is not configured", p.Tag)
	}
	sum, err := d.monitor.ScanTag(ctx, p.Tag)
	if err != nil {
		return nil, err
	}
	return ScanResult{Summaries: []export.ScanSummary{sum}}, nil
}
