// Package commands classifies the command ids listed in a request manifest
// using the command state table and, for ids it does not know, the command feed.
package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

// Info is the classification of one request manifest's commands.
type Info struct {
	Commands        map[model.CommandStatusCode][]string
	CommandCount    int
	HasMissing      bool
	HasNotAvailable bool
	HasUndetermined bool
}

// Count returns how many ids were classified as code.
func (i *Info) Count(code model.CommandStatusCode) int {
	return len(i.Commands[code])
}

// Blocks reports whether a batch must wait before its files may be processed.
func (i *Info) Blocks(continueIfMissing bool) bool {
	return (i.HasMissing && !continueIfMissing) || i.HasNotAvailable || i.HasUndetermined
}

func (i *Info) add(code model.CommandStatusCode, id string) {
	i.Commands[code] = append(i.Commands[code], id)
}

type Oracle struct {
	table               store.Table[*model.CommandState]
	feed                Feed
	batchSize           int
	processNotAvailable bool
	logger              zerolog.Logger
}

func NewOracle(table store.Table[*model.CommandState], feed Feed, cfg model.CommandsConfig, logger zerolog.Logger) *Oracle {
	batch := cfg.QueryBatchSize
	if batch <= 0 {
		batch = 75
	}
	return &Oracle{
		table:               table,
		feed:                feed,
		batchSize:           batch,
		processNotAvailable: cfg.ProcessNotAvailable,
		logger:              logger.With().Str("component", "command_oracle").Logger(),
	}
}

// DetermineStatus classifies ids (canonical command ids) for agentID. renew
// is called alongside every table query and feed lookup. With
// abortIfMissing, lookups stop at the first missing or undelivered command
// and every id not yet classified is reported as undetermined.
func (o *Oracle) DetermineStatus(ctx context.Context, agentID string, ids []string, renew lease.RenewFunc, abortIfMissing bool) (*Info, error) {
	info := &Info{
		Commands:     make(map[model.CommandStatusCode][]string),
		CommandCount: len(ids),
	}
	if renew == nil {
		renew = func(context.Context) error { return nil }
	}

	processing := true
	next := 0
	for next < len(ids) && processing {
		end := min(next+o.batchSize, len(ids))
		batch := ids[next:end]
		next = end

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var rows []*model.CommandState
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			rows, err = o.table.Query(gctx, store.Filter{PartitionKey: agentID, RowKeys: batch})
			return err
		})
		g.Go(func() error { return renew(gctx) })
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("query command state for %s: %w", agentID, err)
		}

		found := make(map[string]bool, len(rows))
		for _, row := range rows {
			found[row.CommandID()] = true
			info.add(model.StatusFromState(row), row.CommandID())
		}

		for _, id := range batch {
			if found[id] {
				continue
			}
			if !processing {
				info.add(model.CommandUndetermined, id)
				info.HasUndetermined = true
				continue
			}

			code, err := o.resolveUnknown(ctx, agentID, id, renew)
			if err != nil {
				return nil, err
			}
			info.add(code, id)

			switch {
			case code == model.CommandNotAvailable && !o.processNotAvailable:
				info.HasNotAvailable = true
				processing = !abortIfMissing
			case code == model.CommandMissing:
				info.HasMissing = true
				processing = !abortIfMissing
			}
		}
	}

	for _, id := range ids[next:] {
		info.add(model.CommandUndetermined, id)
		info.HasUndetermined = true
	}
	return info, nil
}

func (o *Oracle) resolveUnknown(ctx context.Context, agentID, id string, renew lease.RenewFunc) (model.CommandStatusCode, error) {
	var result FeedResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = o.feed.QueryCommand(gctx, agentID, id)
		return err
	})
	g.Go(func() error { return renew(gctx) })
	if err := g.Wait(); err != nil {
		return model.CommandUndetermined, fmt.Errorf("query command feed for %s/%s: %w", agentID, id, err)
	}

	var code model.CommandStatusCode
	switch result {
	case FeedOK:
		return o.insertOrFetch(ctx, agentID, id)
	case FeedCommandNotFound:
		code = model.CommandUnknown
	case FeedNotApplicable:
		code = model.CommandNotApplicable
	case FeedNotYetDelivered:
		code = model.CommandNotAvailable
	case FeedUnableToResolveLocation:
		code = model.CommandMissing
	case FeedNotFoundInQueue, FeedAlreadyCompleted:
		code = model.CommandCompleted
	default:
		code = model.CommandMissing
	}
	o.logger.Debug().Str("agent_id", agentID).Str("command_id", id).
		Stringer("feed_result", result).Stringer("status", code).Msg("command resolved from feed")
	return code, nil
}

// insertOrFetch records a command the feed just delivered. When another
// worker inserted it first, the stored state wins.
func (o *Oracle) insertOrFetch(ctx context.Context, agentID, id string) (model.CommandStatusCode, error) {
	ok, err := o.table.Insert(ctx, model.NewCommandState(agentID, id))
	if err != nil {
		return model.CommandUndetermined, fmt.Errorf("insert command state %s/%s: %w", agentID, id, err)
	}
	if ok {
		return model.CommandActionable, nil
	}
	row, err := o.table.GetItem(ctx, agentID, id)
	if err != nil {
		return model.CommandUndetermined, fmt.Errorf("fetch command state %s/%s: %w", agentID, id, err)
	}
	if row == nil {
		return model.CommandActionable, nil
	}
	return model.StatusFromState(row), nil
}
