package export

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/filestore"
	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

// CompleteProcessor removes finished files from their batch and retires the
// batch once nothing is pending.
type CompleteProcessor struct {
	env *Env
	cfg model.CompleteProcessorConfig
	log zerolog.Logger
}

func NewCompleteProcessor(env *Env) *CompleteProcessor {
	return &CompleteProcessor{
		env: env,
		cfg: env.Config.CompleteProcessor,
		log: env.component("complete_processor"),
	}
}

func (p *CompleteProcessor) Name() string { return "complete_processor" }

func (p *CompleteProcessor) RunOnce(ctx context.Context) (time.Duration, error) {
	item, err := p.env.CompleteFiles.Dequeue(ctx, p.cfg.LeaseTime.D(), p.cfg.DequeueWait.D())
	if err != nil {
		return 0, fmt.Errorf("dequeue completion: %w", err)
	}
	if item == nil {
		return p.cfg.EmptyPause.D(), nil
	}
	outcome, err := p.Process(ctx, item)
	if err != nil {
		return 0, err
	}
	if p.env.Metrics != nil {
		p.env.Metrics.Outcome(p.Name(), outcome.Label())
	}
	return 0, nil
}

// Process handles one completion. The item is completed on Ok or Fatal and
// released for immediate redelivery otherwise.
func (p *CompleteProcessor) Process(ctx context.Context, item store.Item[model.CompleteFile]) (model.Outcome, error) {
	cf := item.Data()
	log := p.log.With().
		Str("agent_id", cf.AgentID).
		Str("manifest", cf.ManifestPath).
		Str("data_file", cf.DataFilePath).
		Logger()

	leaseTime := p.cfg.LeaseTime.D()
	renewer := lease.NewRenewer(p.env.Clock, p.cfg.RenewInterval.D(),
		func(ctx context.Context) error { return item.RenewLease(ctx, leaseTime) })

	var outcome model.Outcome
	err := renewer.Run(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = p.complete(ctx, log, cf, renewer.Renew)
		return err
	})

	cleanup := context.WithoutCancel(ctx)
	if err == nil && outcome.ShouldComplete() {
		if cerr := item.Complete(cleanup); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to complete item")
		}
	} else if rerr := item.Release(cleanup); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to release item")
	}

	if err != nil {
		return model.Outcome{}, fmt.Errorf("complete %s: %w", cf.ManifestPath, err)
	}
	log.Debug().Stringer("outcome", outcome).Msg("completion processed")
	return outcome, nil
}

func (p *CompleteProcessor) complete(ctx context.Context, log zerolog.Logger, cf model.CompleteFile, renew lease.RenewFunc) (model.Outcome, error) {
	state, ok, err := p.removeDataFile(ctx, cf, renew)
	if err != nil {
		return model.Outcome{}, err
	}
	if !ok {
		return model.Transient("state update conflicted %d times", p.cfg.MaxStateUpdateAttempts), nil
	}
	if state == nil {
		log.Debug().Msg("batch state already removed")
		return model.Ok(), nil
	}
	if state.Counter < 0 {
		// Discovery placeholder; the manifest processor has not populated it yet.
		return model.Transient("batch state not initialized"), nil
	}
	if len(state.DataFileTags) > 0 {
		return model.Ok(), nil
	}
	return p.finalize(ctx, log, state, renew)
}

// removeDataFile drops the completed file's tag from the batch row. It
// returns the row as last read, or ok=false when every attempt conflicted.
func (p *CompleteProcessor) removeDataFile(ctx context.Context, cf model.CompleteFile, renew lease.RenewFunc) (*model.ManifestState, bool, error) {
	for range p.cfg.MaxStateUpdateAttempts {
		state, err := p.env.States.GetItem(ctx, cf.AgentID, cf.ManifestPath)
		if err != nil {
			return nil, false, fmt.Errorf("get state: %w", err)
		}
		if err := renew(ctx); err != nil {
			return nil, false, err
		}
		if state == nil {
			return nil, true, nil
		}
		if cf.DataFilePath == "" || state.Counter < 0 {
			return state, true, nil
		}

		tag := model.GenerateFileTag(cf.Tag, cf.AgentID, path.Base(cf.DataFilePath))
		if !state.RemoveTag(tag) {
			return state, true, nil
		}
		ok, err := p.env.States.Replace(ctx, state)
		if err != nil {
			return nil, false, fmt.Errorf("replace state: %w", err)
		}
		if ok {
			return state, true, nil
		}
	}
	return nil, false, nil
}

// finalize marks the batch's commands complete, moves both manifests into
// holding and deletes the batch row.
func (p *CompleteProcessor) finalize(ctx context.Context, log zerolog.Logger, state *model.ManifestState, renew lease.RenewFunc) (model.Outcome, error) {
	agentID := state.AgentID()

	if state.RequestManifestPath != "" {
		reqMf, err := p.env.Files.OpenFile(ctx, state.RequestManifestPath)
		if err != nil {
			return model.Outcome{}, fmt.Errorf("open request manifest: %w", err)
		}
		if reqMf != nil {
			ids, _, err := readRequestManifestFile(ctx, reqMf, p.env.Config.ManifestProcessor.CommandReaderLeaseUpdateRows, renew)
			if err != nil {
				return model.Outcome{}, err
			}
			remaining, err := p.markCommandsComplete(ctx, agentID, ids)
			if err != nil {
				return model.Outcome{}, err
			}
			if len(remaining) > 0 {
				log.Warn().Int("remaining", len(remaining)).Msg("commands could not be marked complete")
				return model.Transient("%d commands not finalized", len(remaining)), nil
			}
		}
	}

	holding := path.Join(p.env.Config.Files.HoldingPath, agentID)
	for _, mf := range []string{state.RequestManifestPath, state.ManifestPath()} {
		if err := p.retire(ctx, log, mf, holding); err != nil {
			return model.Outcome{}, err
		}
	}

	state.ETag = model.ForceETag
	deleted, err := p.env.States.DeleteItem(ctx, state)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("delete state: %w", err)
	}
	if deleted {
		if p.env.Metrics != nil {
			p.env.Metrics.BatchesCompleted.Inc()
		}
		p.env.Events.Publish(events.EventBatchCompleted, map[string]any{
			"agent_id": agentID,
			"manifest": state.ManifestPath(),
		})
		log.Info().Msg("batch completed")
	}
	return model.Ok(), nil
}

// retire moves a manifest into the holding directory with a lifetime.
func (p *CompleteProcessor) retire(ctx context.Context, log zerolog.Logger, mf, holding string) error {
	if mf == "" {
		return nil
	}
	moved, err := p.env.Files.Move(ctx, mf, holding)
	if errors.Is(err, filestore.ErrNotExist) {
		// An earlier attempt may have moved it and failed before the
		// lifetime was recorded.
		moved = path.Join(holding, path.Base(mf))
		f, err := p.env.Files.OpenFile(ctx, moved)
		if err != nil {
			return fmt.Errorf("open %s: %w", moved, err)
		}
		if f == nil {
			log.Warn().Str("file", mf).Msg("manifest missing at finalization")
			return nil
		}
		if _, ok := p.env.Files.Expiry(moved); ok {
			return nil
		}
		log.Warn().Str("file", moved).Msg("held manifest has no lifetime, setting it")
	} else if err != nil {
		return fmt.Errorf("move %s to holding: %w", mf, err)
	}
	if err := p.env.Files.SetLifetime(ctx, moved, p.env.Config.Files.HoldingExpiry.D()); err != nil {
		return fmt.Errorf("set lifetime %s: %w", moved, err)
	}
	return nil
}

// markCommandsComplete processes ids in batches and returns the ids that
// could not be updated.
func (p *CompleteProcessor) markCommandsComplete(ctx context.Context, agentID string, ids []string) ([]string, error) {
	var remaining []string
	for batch := range slices.Chunk(ids, p.cfg.CommandBatchSize) {
		r, err := p.markBatch(ctx, agentID, batch)
		if err != nil {
			return nil, err
		}
		remaining = append(remaining, r...)
	}
	return remaining, nil
}

type finalizeCounts struct {
	completed, removed, notFound, retried int
}

func (p *CompleteProcessor) markBatch(ctx context.Context, agentID string, ids []string) ([]string, error) {
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	var counts finalizeCounts
	defer p.recordFinalized(&counts)

	for pass := 0; pass < p.cfg.MaxStateUpdateAttempts && len(pending) > 0; pass++ {
		keys := slices.Sorted(maps.Keys(pending))
		rows, err := p.env.Commands.Query(ctx, store.Filter{PartitionKey: agentID, RowKeys: keys})
		if err != nil {
			return nil, fmt.Errorf("query commands: %w", err)
		}

		found := make(map[string]bool, len(rows))
		var updates []*model.CommandState
		for _, row := range rows {
			found[row.CommandID()] = true
			if row.IsComplete && !row.IgnoreCommand {
				delete(pending, row.CommandID())
				continue
			}
			row.IsComplete = true
			updates = append(updates, row)
		}
		for _, k := range keys {
			if !found[k] {
				delete(pending, k)
				counts.notFound++
			}
		}
		if len(updates) == 0 {
			break
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, row := range updates {
			g.Go(func() error {
				if row.IgnoreCommand {
					if _, err := p.env.Commands.DeleteItem(gctx, row); err != nil {
						return fmt.Errorf("delete ignored command %s: %w", row.CommandID(), err)
					}
					mu.Lock()
					delete(pending, row.CommandID())
					counts.removed++
					mu.Unlock()
					return nil
				}
				ok, err := p.env.Commands.Replace(gctx, row)
				if err != nil {
					return fmt.Errorf("complete command %s: %w", row.CommandID(), err)
				}
				mu.Lock()
				if ok {
					delete(pending, row.CommandID())
					counts.completed++
				} else {
					counts.retried++
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return slices.Sorted(maps.Keys(pending)), nil
}

func (p *CompleteProcessor) recordFinalized(c *finalizeCounts) {
	if p.env.Metrics == nil {
		return
	}
	p.env.Metrics.CommandsFinalized.WithLabelValues("completed").Add(float64(c.completed))
	p.env.Metrics.CommandsFinalized.WithLabelValues("removed").Add(float64(c.removed))
	p.env.Metrics.CommandsFinalized.WithLabelValues("not_found").Add(float64(c.notFound))
	p.env.Metrics.CommandsFinalized.WithLabelValues("retried").Add(float64(c.retried))
}
