package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

const reaperLockGroup = "reaper"

// Reaper deletes aged rows from the configured tables. Each table is swept
// under a lease so only one instance works on it at a time.
type Reaper struct {
	env    *Env
	cfg    model.ReaperConfig
	tables []store.Sweeper
	rng    clock.RNG
	owner  string
	log    zerolog.Logger
}

func NewReaper(env *Env, rng clock.RNG) (*Reaper, error) {
	tables, err := env.Sweepers(env.Config.Reaper.Tables)
	if err != nil {
		return nil, fmt.Errorf("reaper: %w", err)
	}
	return &Reaper{
		env:    env,
		cfg:    env.Config.Reaper,
		tables: tables,
		rng:    rng,
		owner:  model.GenerateID(model.IDTypeWorker),
		log:    env.component("reaper"),
	}, nil
}

func (r *Reaper) Name() string { return "reaper" }

func (r *Reaper) RunOnce(ctx context.Context) (time.Duration, error) {
	_, err := r.Sweep(ctx)
	next := r.cfg.Interval.D()
	if j := r.cfg.Jitter.D(); j > 0 {
		next += time.Duration(r.rng.Int63n(int64(j)))
	}
	return next, err
}

// Sweep runs one pass over every table and returns rows deleted per table.
// A failing table does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(r.tables))
	var errs []error
	for _, t := range r.tables {
		n, err := r.sweepTable(ctx, t)
		out[t.Name()] = n
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

func (r *Reaper) sweepTable(ctx context.Context, t store.Sweeper) (int, error) {
	log := r.log.With().Str("table", t.Name()).Logger()
	l, err := r.env.Leases.AttemptAcquire(ctx, reaperLockGroup, t.Name(), r.owner, r.cfg.LeaseTime.D(), false)
	if err != nil {
		return 0, fmt.Errorf("acquire reaper lease %s: %w", t.Name(), err)
	}
	if l == nil {
		log.Debug().Msg("table swept by another instance")
		return 0, nil
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), false); err != nil {
			log.Warn().Err(err).Msg("failed to release reaper lease")
		}
	}()

	cutoff := r.env.Clock.Now().Add(-r.cfg.MaxAge.D())
	keys, err := t.QueryKeys(ctx, store.Filter{OlderThan: cutoff, MaxRows: r.cfg.MaxRows})
	if err != nil {
		return 0, fmt.Errorf("query aged rows %s: %w", t.Name(), err)
	}

	byPartition := make(map[string][]string)
	var order []string
	for _, k := range keys {
		if _, ok := byPartition[k.PartitionKey]; !ok {
			order = append(order, k.PartitionKey)
		}
		byPartition[k.PartitionKey] = append(byPartition[k.PartitionKey], k.RowKey)
	}

	total := 0
	for _, pk := range order {
		n, err := t.DeleteBatch(ctx, pk, byPartition[pk])
		if err != nil {
			return total, fmt.Errorf("delete aged rows %s/%s: %w", t.Name(), pk, err)
		}
		total += n
	}
	if r.env.Metrics != nil {
		r.env.Metrics.ReaperRowsDeleted.WithLabelValues(t.Name()).Add(float64(total))
	}
	if total > 0 {
		log.Info().Int("deleted", total).Time("cutoff", cutoff).Msg("aged rows deleted")
	}
	return total, nil
}
