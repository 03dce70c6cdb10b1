package export

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

// DataFileProcessor copies pending data files into the agent's package
// directory and reports them complete. Partitions are polled smallest first.
type DataFileProcessor struct {
	env *Env
	cfg model.TaskConfig
	log zerolog.Logger
}

func NewDataFileProcessor(env *Env) *DataFileProcessor {
	return &DataFileProcessor{
		env: env,
		cfg: env.Config.DataFileProcessor,
		log: env.component("data_file_processor"),
	}
}

func (p *DataFileProcessor) Name() string { return "data_file_processor" }

func (p *DataFileProcessor) RunOnce(ctx context.Context) (time.Duration, error) {
	for _, partition := range p.env.PendingFiles.Partitions() {
		item, err := p.env.PendingFiles.Dequeue(ctx, partition, p.cfg.LeaseTime.D(), 0)
		if err != nil {
			return 0, fmt.Errorf("dequeue %s: %w", partition, err)
		}
		if item == nil {
			continue
		}
		if err := p.Process(ctx, item); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return p.cfg.EmptyPause.D(), nil
}

// PackagePath is where a pending file is copied to:
// {output}/{agent}/{data manifest name}/{package name}.
func (p *DataFileProcessor) PackagePath(pf model.PendingFile) string {
	return path.Join(p.env.Config.Files.OutputPath, pf.AgentID, path.Base(pf.ManifestPath), pf.PackageName)
}

// Process copies one file. Failures release the item for redelivery.
func (p *DataFileProcessor) Process(ctx context.Context, item store.Item[model.PendingFile]) error {
	pf := item.Data()
	log := p.log.With().Str("agent_id", pf.AgentID).Str("data_file", pf.DataFilePath).Logger()

	leaseTime := p.cfg.LeaseTime.D()
	renewer := lease.NewRenewer(p.env.Clock, p.cfg.RenewInterval.D(),
		func(ctx context.Context) error { return item.RenewLease(ctx, leaseTime) })

	err := renewer.Run(ctx, func(ctx context.Context) error { return p.copy(ctx, log, pf) })

	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		if rerr := item.Release(cleanup); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release item")
		}
		if p.env.Metrics != nil {
			p.env.Metrics.Outcome(p.Name(), "transient")
		}
		return fmt.Errorf("package %s: %w", pf.DataFilePath, err)
	}
	if cerr := item.Complete(cleanup); cerr != nil {
		log.Warn().Err(cerr).Msg("failed to complete item")
	}
	if p.env.Metrics != nil {
		p.env.Metrics.Outcome(p.Name(), "ok")
	}
	return nil
}

func (p *DataFileProcessor) copy(ctx context.Context, log zerolog.Logger, pf model.PendingFile) error {
	src, err := p.env.Files.OpenFile(ctx, pf.DataFilePath)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	if src == nil {
		log.Warn().Msg("data file vanished before packaging")
	} else {
		rc, err := src.Reader()
		if err != nil {
			return fmt.Errorf("read data file: %w", err)
		}
		defer rc.Close()
		dst := p.PackagePath(pf)
		entry, err := p.env.Files.Create(ctx, dst, rc)
		if err != nil {
			return fmt.Errorf("write package file %s: %w", dst, err)
		}
		if p.env.Metrics != nil {
			p.env.Metrics.DataFilesCopied.Inc()
			p.env.Metrics.DataFileBytesCopied.Add(float64(entry.Size))
		}
		log.Debug().Str("package_file", dst).Int64("bytes", entry.Size).Msg("data file packaged")
	}

	return p.env.CompleteFiles.Enqueue(ctx, model.CompleteFile{
		AgentID:      pf.AgentID,
		Tag:          pf.Tag,
		ManifestPath: pf.ManifestPath,
		DataFilePath: pf.DataFilePath,
		PackageName:  pf.PackageName,
	})
}
