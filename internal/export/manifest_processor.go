package export

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/exportd/internal/commands"
	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/filestore"
	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

const fanOutConcurrency = 8

// ManifestProcessor turns a manifest set into pending file work.
type ManifestProcessor struct {
	env    *Env
	cfg    model.ManifestProcessorConfig
	taskID string
	log    zerolog.Logger
}

func NewManifestProcessor(env *Env) *ManifestProcessor {
	taskID := model.GenerateID(model.IDTypeTask)
	return &ManifestProcessor{
		env:    env,
		cfg:    env.Config.ManifestProcessor,
		taskID: taskID,
		log:    env.component("manifest_processor").With().Str("task_id", taskID).Logger(),
	}
}

func (p *ManifestProcessor) Name() string { return "manifest_processor" }

func (p *ManifestProcessor) RunOnce(ctx context.Context) (time.Duration, error) {
	item, err := p.env.ManifestSets.Dequeue(ctx, p.cfg.LeaseTime.D(), p.cfg.DequeueWait.D())
	if err != nil {
		return 0, fmt.Errorf("dequeue manifest set: %w", err)
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

// Process handles one dequeued manifest set and settles the item: completed
// on Ok or Fatal, hidden for DelayOnIncomplete otherwise.
func (p *ManifestProcessor) Process(ctx context.Context, item store.Item[model.ManifestSet]) (model.Outcome, error) {
	set := item.Data()
	log := p.log.With().Str("agent_id", set.AgentID).Str("manifest", set.DataManifestPath).Logger()

	if item.DequeueCount() > p.cfg.MaxDequeueCount {
		log.Error().Int("dequeue_count", item.DequeueCount()).Msg("manifest set exceeded dequeue limit, abandoning")
		p.env.Events.Publish(events.EventBatchAbandoned, map[string]any{
			"agent_id":      set.AgentID,
			"manifest":      set.DataManifestPath,
			"dequeue_count": item.DequeueCount(),
		})
		if err := item.Complete(ctx); err != nil {
			return model.Outcome{}, fmt.Errorf("complete abandoned item: %w", err)
		}
		return model.Fatal("dequeue count %d exceeds %d", item.DequeueCount(), p.cfg.MaxDequeueCount), nil
	}

	leaseTime := p.cfg.LeaseTime.D()
	l, err := p.env.Leases.AttemptAcquire(ctx, set.AgentID, set.DataManifestPath, p.taskID, leaseTime, false)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("acquire manifest lease: %w", err)
	}
	if l == nil {
		// Another worker holds the manifest; it will finish the set.
		log.Debug().Msg("manifest lease held elsewhere")
		if err := item.Complete(ctx); err != nil {
			return model.Outcome{}, fmt.Errorf("complete item: %w", err)
		}
		return model.Outcome{Kind: model.OutcomeOk, Reason: "lease held elsewhere"}, nil
	}

	renewer := lease.NewRenewer(p.env.Clock, p.cfg.RenewInterval.D(),
		func(ctx context.Context) error { return l.Renew(ctx, leaseTime) },
		func(ctx context.Context) error { return item.RenewLease(ctx, leaseTime) },
	)

	var outcome model.Outcome
	err = renewer.Run(ctx, func(ctx context.Context) error {
		var err error
		outcome, err = p.processSet(ctx, log, set, renewer.Renew)
		return err
	})

	complete := err == nil && outcome.ShouldComplete()
	cleanup := context.WithoutCancel(ctx)
	if rerr := l.Release(cleanup, complete); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to release manifest lease")
	}
	if complete {
		if cerr := item.Complete(cleanup); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to complete manifest set")
		}
	} else if rerr := item.RenewLease(cleanup, p.cfg.DelayOnIncomplete.D()); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to delay manifest set")
	}

	if err != nil {
		return model.Outcome{}, fmt.Errorf("process %s: %w", set.DataManifestPath, err)
	}
	log.Info().Stringer("outcome", outcome).Msg("manifest set processed")
	return outcome, nil
}

func (p *ManifestProcessor) processSet(ctx context.Context, log zerolog.Logger, set model.ManifestSet, renew lease.RenewFunc) (model.Outcome, error) {
	var dataMf, reqMf *filestore.File
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		dataMf, err = p.env.Files.OpenFile(gctx, set.DataManifestPath)
		return err
	})
	g.Go(func() (err error) {
		reqMf, err = p.env.Files.OpenFile(gctx, set.RequestManifestPath)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Outcome{}, fmt.Errorf("open manifests: %w", err)
	}
	if dataMf == nil || reqMf == nil {
		// Already finalized or deleted; a later discovery pass re-enqueues
		// anything still present.
		log.Info().Bool("data_missing", dataMf == nil).Bool("request_missing", reqMf == nil).Msg("manifest no longer present")
		return model.Outcome{Kind: model.OutcomeOk, Reason: "manifest missing"}, nil
	}

	dataFiles, err := readDataManifestFile(dataMf)
	if err != nil {
		log.Error().Err(err).Msg("unreadable data manifest")
		return model.Fatal("read data manifest: %v", err), nil
	}
	valid := validFiles(dataFiles)
	for _, f := range valid {
		f.Tag = model.GenerateFileTag(set.Tag, set.AgentID, f.ClusterName)
	}

	ids, rows, err := readRequestManifestFile(ctx, reqMf, p.cfg.CommandReaderLeaseUpdateRows, renew)
	if err != nil {
		return model.Outcome{}, err
	}
	if err := renew(ctx); err != nil {
		return model.Outcome{}, err
	}

	dataHash := model.HashUnordered(rawNames(valid))
	reqHash := model.HashUnordered(ids)

	state, inserted, err := p.insertOrUpdate(ctx, log, set, valid, dataMf.Created, reqMf.Created, dataHash, reqHash)
	if err != nil {
		return model.Outcome{}, err
	}
	if state == nil {
		return model.Transient("state row vanished during update"), nil
	}

	if o, bad := p.checkConsistency(log, set, state, dataMf, reqMf, dataHash, reqHash); bad {
		return o, nil
	}

	pending := valid
	if !inserted {
		pending = make([]*DataFile, 0, len(valid))
		for _, f := range valid {
			if state.HasTag(f.Tag) {
				pending = append(pending, f)
			}
		}
		if len(pending) != len(state.DataFileTags) {
			log.Error().
				Int("pending", len(pending)).
				Int("stored", len(state.DataFileTags)).
				Msg("stored pending files are not a subset of the data manifest")
			p.env.Events.Publish(events.EventPendingSetMismatch, map[string]any{
				"agent_id": set.AgentID,
				"manifest": set.DataManifestPath,
				"pending":  len(pending),
				"stored":   len(state.DataFileTags),
			})
			return model.Fatal("pending set mismatch: %d listed, %d stored", len(pending), len(state.DataFileTags)), nil
		}
	}

	// Only the first pass over a batch reports file and command totals.
	firstPass := len(pending) == len(valid)

	continueIfMissing := p.env.Clock.Now().Sub(reqMf.Created) > p.cfg.MaxCommandWait.D()
	info, err := p.env.Oracle.DetermineStatus(ctx, set.AgentID, ids, renew, !continueIfMissing)
	if err != nil {
		return model.Outcome{}, fmt.Errorf("determine command status: %w", err)
	}

	if firstPass {
		p.recordCommands(info)
	}
	if len(ids) != rows {
		log.Warn().Int("rows", rows).Int("distinct", len(ids)).Msg("request manifest lists duplicate commands")
		p.env.Events.Publish(events.EventDuplicateCommands, map[string]any{
			"agent_id": set.AgentID,
			"manifest": set.RequestManifestPath,
			"rows":     rows,
			"distinct": len(ids),
		})
	}
	logCommandSummary(log, info, continueIfMissing)
	if info.Blocks(continueIfMissing) {
		return model.Transient("commands not yet resolvable"), nil
	}

	if firstPass {
		p.reportDataFiles(set, dataFiles)
	}

	if len(pending) == 0 {
		// Every file already completed; a bare completion drives finalization.
		if err := p.env.CompleteFiles.Enqueue(ctx, model.CompleteFile{
			AgentID:      set.AgentID,
			Tag:          set.Tag,
			ManifestPath: set.DataManifestPath,
		}); err != nil {
			return model.Outcome{}, fmt.Errorf("enqueue completion: %w", err)
		}
		return model.Ok(), nil
	}

	if err := p.fanOut(ctx, set, pending); err != nil {
		return model.Outcome{}, err
	}
	return model.Ok(), nil
}

// insertOrUpdate inserts a fresh state row or bumps the counter of the
// existing one. It reports whether the row was newly written from this pass.
func (p *ManifestProcessor) insertOrUpdate(
	ctx context.Context,
	log zerolog.Logger,
	set model.ManifestSet,
	valid []*DataFile,
	dataCreated, reqCreated time.Time,
	dataHash, reqHash int32,
) (*model.ManifestState, bool, error) {
	now := p.env.Clock.Now()
	fresh := model.NewManifestState(set.AgentID, set.DataManifestPath)
	fresh.RequestManifestPath = set.RequestManifestPath
	fresh.DataFileManifestCreateTime = &dataCreated
	fresh.RequestManifestCreateTime = &reqCreated
	fresh.DataFileManifestHash = &dataHash
	fresh.RequestManifestHash = &reqHash
	fresh.FirstProcessingTime = &now
	fresh.DataFileTags = make([]string, len(valid))
	for i, f := range valid {
		fresh.DataFileTags[i] = f.Tag
	}

	ok, err := p.env.States.Insert(ctx, fresh)
	if err != nil {
		return nil, false, fmt.Errorf("insert state: %w", err)
	}
	if ok {
		return fresh, true, nil
	}

	current, err := p.env.States.GetItem(ctx, set.AgentID, set.DataManifestPath)
	if err != nil {
		return nil, false, fmt.Errorf("get state: %w", err)
	}
	if current == nil {
		return nil, false, nil
	}

	if current.Counter >= 0 {
		current.Counter++
		if ok, err := p.env.States.Replace(ctx, current); err != nil || !ok {
			log.Debug().Err(err).Msg("state counter update lost a race")
		}
		return current, false, nil
	}

	// Placeholder written by discovery: take it over with the full row.
	fresh.ETag = current.ETag
	if ok, err := p.env.States.Replace(ctx, fresh); err != nil || !ok {
		log.Debug().Err(err).Msg("placeholder state update lost a race")
	}
	return fresh, false, nil
}

// checkConsistency compares the stored hash (or, for rows without one, the
// stored create time) of each manifest with what was just read.
func (p *ManifestProcessor) checkConsistency(
	log zerolog.Logger,
	set model.ManifestSet,
	state *model.ManifestState,
	dataMf, reqMf *filestore.File,
	dataHash, reqHash int32,
) (model.Outcome, bool) {
	changed := func(storedHash *int32, hash int32, storedTime *time.Time, created time.Time) bool {
		if storedHash != nil {
			return *storedHash != hash
		}
		return storedTime != nil && !storedTime.Equal(created)
	}

	dataChanged := changed(state.DataFileManifestHash, dataHash, state.DataFileManifestCreateTime, dataMf.Created)
	reqChanged := changed(state.RequestManifestHash, reqHash, state.RequestManifestCreateTime, reqMf.Created)
	if !dataChanged && !reqChanged {
		return model.Outcome{}, false
	}

	log.Error().Bool("data_changed", dataChanged).Bool("request_changed", reqChanged).Msg("manifest changed after first processing")
	p.env.Events.Publish(events.EventBatchChanged, map[string]any{
		"agent_id":        set.AgentID,
		"manifest":        set.DataManifestPath,
		"data_changed":    dataChanged,
		"request_changed": reqChanged,
	})
	return model.Fatal("manifest changed after first processing"), true
}

func (p *ManifestProcessor) fanOut(ctx context.Context, set model.ManifestSet, pending []*DataFile) error {
	dir := path.Dir(set.DataManifestPath)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)
	for _, f := range pending {
		g.Go(func() error {
			dataPath := path.Join(dir, f.ClusterName)
			file, err := p.env.Files.OpenFile(gctx, dataPath)
			if err != nil {
				return fmt.Errorf("open data file %s: %w", dataPath, err)
			}
			if file == nil {
				// Nothing to package; count the file as done.
				if p.env.Metrics != nil {
					p.env.Metrics.DataFiles.WithLabelValues("missing").Inc()
				}
				return p.env.CompleteFiles.Enqueue(gctx, model.CompleteFile{
					AgentID:      set.AgentID,
					Tag:          set.Tag,
					ManifestPath: set.DataManifestPath,
					DataFilePath: dataPath,
				})
			}
			partition := model.GetPartition(p.env.Config.Files.Thresholds, file.Size)
			if err := p.env.PendingFiles.Enqueue(gctx, partition, model.PendingFile{
				AgentID:      set.AgentID,
				Tag:          set.Tag,
				ManifestPath: set.DataManifestPath,
				DataFilePath: dataPath,
				PackageName:  f.PackageName + model.PackageDataFileExtension,
			}); err != nil {
				return fmt.Errorf("enqueue pending file %s: %w", dataPath, err)
			}
			if p.env.Metrics != nil {
				p.env.Metrics.PendingFilesQueued.WithLabelValues(string(partition)).Inc()
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *ManifestProcessor) recordCommands(info *commands.Info) {
	if p.env.Metrics == nil {
		return
	}
	for code, ids := range info.Commands {
		p.env.Metrics.Commands.WithLabelValues(code.String()).Add(float64(len(ids)))
	}
}

// reportDataFiles publishes the status of every listed file and updates the totals.
func (p *ManifestProcessor) reportDataFiles(set model.ManifestSet, files []*DataFile) {
	var invalid int
	for _, f := range files {
		status := "valid"
		if f.Invalid {
			status = "invalid"
			invalid++
		}
		p.env.Events.Publish(events.EventDataFileStatus, map[string]any{
			"agent_id":    set.AgentID,
			"manifest":    set.DataManifestPath,
			"file":        f.RawName,
			"status":      status,
			"count_found": f.CountFound,
		})
	}
	if p.env.Metrics != nil {
		p.env.Metrics.DataFiles.WithLabelValues("listed").Add(float64(len(files)))
		p.env.Metrics.DataFiles.WithLabelValues("valid").Add(float64(len(files) - invalid))
		p.env.Metrics.DataFiles.WithLabelValues("invalid").Add(float64(invalid))
	}
}

func logCommandSummary(log zerolog.Logger, info *commands.Info, continueIfMissing bool) {
	ev := log.Info().Int("commands", info.CommandCount).Bool("continue_if_missing", continueIfMissing)
	for code, ids := range info.Commands {
		ev = ev.Int(code.String(), len(ids))
	}
	ev.Msg("command status determined")
}

func readDataManifestFile(f *filestore.File) ([]*DataFile, error) {
	rc, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ReadDataManifest(rc, f.Name)
}

func readRequestManifestFile(ctx context.Context, f *filestore.File, renewEvery int, renew lease.RenewFunc) ([]string, int, error) {
	rc, err := f.Reader()
	if err != nil {
		return nil, 0, fmt.Errorf("open request manifest %s: %w", f.Path, err)
	}
	defer rc.Close()
	return ReadRequestManifest(ctx, rc, renewEvery, renew)
}
