// Package export discovers manifest pairs, fans their data files out to the
// packaging queues and retires finished batches.
package export

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/commands"
	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/filestore"
	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/metrics"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

// PendingQueue is the size-partitioned queue of data files awaiting packaging.
type PendingQueue = store.PartitionedQueue[model.PendingFile, model.FileSizePartition]

// Env holds the storage handles and collaborators every task shares.
type Env struct {
	Config model.Config
	Clock  clock.Clock
	Logger zerolog.Logger

	Files filestore.FileStore

	States   store.Table[*model.ManifestState]
	Commands store.Table[*model.CommandState]
	Locks    store.Table[*model.LockEntry]

	ManifestSets  store.Queue[model.ManifestSet]
	PendingFiles  *PendingQueue
	CompleteFiles store.Queue[model.CompleteFile]

	Leases  *lease.Manager
	Oracle  *commands.Oracle
	Events  events.Publisher
	Metrics *metrics.Metrics
}

// Deps are the collaborators OpenEnv does not create itself.
type Deps struct {
	Backend store.Backend
	Files   filestore.FileStore
	Feed    commands.Feed
	Events  events.Publisher
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  zerolog.Logger
}

// OpenEnv opens the tables and queues on d.Backend.
func OpenEnv(cfg model.Config, d Deps) (*Env, error) {
	states, err := store.OpenTable(d.Backend, model.TableManifestState, func() *model.ManifestState { return &model.ManifestState{} })
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}
	cmds, err := store.OpenTable(d.Backend, model.TableCommandState, func() *model.CommandState { return &model.CommandState{} })
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}
	locks, err := store.OpenTable(d.Backend, model.TableLocks, func() *model.LockEntry { return &model.LockEntry{} })
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}
	sets, err := store.OpenQueue[model.ManifestSet](d.Backend, model.QueueManifestSets, "")
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}
	pending, err := store.OpenPartitionedQueue[model.PendingFile](d.Backend, model.QueuePendingFiles, model.Partitions)
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}
	complete, err := store.OpenQueue[model.CompleteFile](d.Backend, model.QueueCompleteFiles, "")
	if err != nil {
		return nil, fmt.Errorf("open env: %w", err)
	}

	pub := d.Events
	if pub == nil {
		pub = events.Discard
	}
	feed := d.Feed
	if feed == nil {
		def, err := commands.ParseFeedResult(cfg.Commands.FeedDefault)
		if err != nil {
			return nil, fmt.Errorf("open env: commands.feed_default: %w", err)
		}
		feed = commands.StaticFeed{Default: def}
	}
	if cfg.Commands.FeedRate > 0 {
		feed = commands.NewRateLimitedFeed(feed, cfg.Commands.FeedRate, cfg.Commands.FeedBurst)
	}

	return &Env{
		Config:        cfg,
		Clock:         d.Clock,
		Logger:        d.Logger,
		Files:         d.Files,
		States:        states,
		Commands:      cmds,
		Locks:         locks,
		ManifestSets:  sets,
		PendingFiles:  pending,
		CompleteFiles: complete,
		Leases:        lease.NewManager(locks, d.Clock, d.Logger),
		Oracle:        commands.NewOracle(cmds, feed, cfg.Commands, d.Logger),
		Events:        pub,
		Metrics:       d.Metrics,
	}, nil
}

// Sweepers returns the tables named in names, for the reaper.
func (e *Env) Sweepers(names []string) ([]store.Sweeper, error) {
	byName := map[string]store.Sweeper{
		model.TableManifestState: e.States,
		model.TableCommandState:  e.Commands,
		model.TableLocks:         e.Locks,
	}
	out := make([]store.Sweeper, 0, len(names))
	for _, n := range names {
		s, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown table %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Env) component(name string) zerolog.Logger {
	return e.Logger.With().Str("component", name).Logger()
}
