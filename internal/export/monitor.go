package export

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/filestore"
	"github.com/msageha/exportd/internal/model"
)

// ScanSummary reports one discovery pass over a tag.
type ScanSummary struct {
	Tag            string        `json:"tag" yaml:"tag"`
	Agents         int           `json:"agents" yaml:"agents"`
	PendingPairs   int           `json:"pending_pairs" yaml:"pending_pairs"`
	LooseFiles     int           `json:"loose_files" yaml:"loose_files"`
	Enqueued       int           `json:"enqueued" yaml:"enqueued"`
	Deleted        int           `json:"deleted" yaml:"deleted"`
	Predeleted     int           `json:"predeleted" yaml:"predeleted"`
	OldestBatchAge time.Duration `json:"oldest_batch_age" yaml:"oldest_batch_age"`
}

// Monitor walks {tag}/{agent} directories, pairs manifests and enqueues
// ready manifest sets.
type Monitor struct {
	env *Env
	cfg model.MonitorConfig
	log zerolog.Logger

	// mu serializes passes started by the loop, the watcher and the CLI.
	mu   sync.Mutex
	last []ScanSummary
}

func NewMonitor(env *Env) *Monitor {
	return &Monitor{env: env, cfg: env.Config.Monitor, log: env.component("monitor")}
}

func (m *Monitor) Name() string { return "monitor" }

func (m *Monitor) RunOnce(ctx context.Context) (time.Duration, error) {
	start := m.env.Clock.Now()
	_, err := m.ScanAll(ctx)
	elapsed := m.env.Clock.Now().Sub(start)
	return max(m.cfg.Interval.D()-elapsed, 0), err
}

// ScanAll scans every configured tag. A failing tag does not stop the others.
func (m *Monitor) ScanAll(ctx context.Context) ([]ScanSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		out  []ScanSummary
		errs []error
	)
	for _, tag := range m.env.Config.Tags {
		sum, err := m.scanTag(ctx, tag)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			errs = append(errs, err)
		}
		out = append(out, sum)
	}
	m.last = out
	return out, errors.Join(errs...)
}

// LastScan returns the summaries of the most recent full pass.
func (m *Monitor) LastScan() []ScanSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.last)
}

// ScanTag runs discovery over one tag directory.
func (m *Monitor) ScanTag(ctx context.Context, tag string) (ScanSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanTag(ctx, tag)
}

func (m *Monitor) scanTag(ctx context.Context, tag string) (ScanSummary, error) {
	sum := ScanSummary{Tag: tag}
	log := m.log.With().Str("tag", tag).Logger()

	entries, err := m.env.Files.Enumerate(ctx, tag)
	if errors.Is(err, filestore.ErrNotExist) {
		log.Warn().Msg("tag directory not found")
		return sum, nil
	}
	if err != nil {
		return sum, fmt.Errorf("scan %s: %w", tag, err)
	}

	var errs []error
	for _, e := range entries {
		if e.Type != filestore.TypeDirectory {
			if !strings.EqualFold(e.Name, model.PlaceholderFileName) {
				log.Debug().Str("file", e.Path).Msg("unexpected file in tag directory")
			}
			continue
		}
		sum.Agents++
		if err := m.scanAgent(ctx, tag, e.Name, &sum); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			log.Error().Err(err).Str("agent_id", e.Name).Msg("agent scan failed")
			errs = append(errs, err)
		}
	}

	if met := m.env.Metrics; met != nil {
		met.PendingManifestPairs.WithLabelValues(tag).Set(float64(sum.PendingPairs))
		met.LooseDataFiles.WithLabelValues(tag).Set(float64(sum.LooseFiles))
		met.OldestBatchAge.WithLabelValues(tag).Set(sum.OldestBatchAge.Seconds())
	}
	log.Info().
		Int("agents", sum.Agents).
		Int("pending_pairs", sum.PendingPairs).
		Int("enqueued", sum.Enqueued).
		Int("deleted", sum.Deleted).
		Int("loose_files", sum.LooseFiles).
		Msg("discovery pass complete")
	return sum, errors.Join(errs...)
}

func (m *Monitor) scanAgent(ctx context.Context, tag, agentID string, sum *ScanSummary) error {
	log := m.log.With().Str("tag", tag).Str("agent_id", agentID).Logger()
	if m.cfg.EnqueueDisabled(agentID) {
		log.Info().Msg("enqueue disabled for agent")
		return nil
	}

	entries, err := m.env.Files.Enumerate(ctx, path.Join(tag, agentID))
	if errors.Is(err, filestore.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan agent %s: %w", agentID, err)
	}

	now := m.env.Clock.Now()
	unpaired := make(map[string]filestore.Entry)

	for _, f := range entries {
		if f.Type == filestore.TypeDirectory {
			log.Warn().Str("dir", f.Path).Msg("unexpected subdirectory in agent directory")
			continue
		}

		age := now.Sub(f.Created)
		if age > m.cfg.MaxEnqueueAge.D() {
			m.expire(ctx, log, f, age, sum)
			continue
		}

		kind, suffix := model.ClassifyFile(f.Name)
		if kind == model.KindDataFile {
			switch {
			case model.HasReservedPrefix(f.Name):
				log.Warn().Str("file", f.Path).Msg("file uses a manifest prefix without a suffix separator")
			case model.IsIncorrectManifestName(f.Name):
				log.Warn().Str("file", f.Path).Msg("misnamed data manifest")
			default:
				sum.LooseFiles++
			}
			continue
		}
		if suffix == "" {
			log.Warn().Str("file", f.Path).Msg("manifest without suffix")
			continue
		}

		other, ok := unpaired[strings.ToLower(model.CounterpartName(kind, suffix))]
		if !ok {
			unpaired[strings.ToLower(f.Name)] = f
			continue
		}

		dataMf, reqMf := f, other
		if kind == model.KindRequestManifest {
			dataMf, reqMf = other, f
		}

		batchAge := min(age, now.Sub(other.Created))
		sum.PendingPairs++
		sum.OldestBatchAge = max(sum.OldestBatchAge, batchAge)
		if batchAge < m.cfg.MinBatchAge.D() {
			continue
		}

		if err := m.enqueue(ctx, log, tag, agentID, dataMf, reqMf, now, sum); err != nil {
			return err
		}
	}
	return nil
}

// expire handles a file older than the enqueue window. Files inside the
// delete age are only reported.
func (m *Monitor) expire(ctx context.Context, log zerolog.Logger, f filestore.Entry, age time.Duration, sum *ScanSummary) {
	if age < m.cfg.DeleteAge.D() {
		log.Debug().Str("file", f.Path).Dur("age", age).Msg("file past enqueue age, awaiting deletion")
		sum.Predeleted++
		if m.env.Metrics != nil {
			m.env.Metrics.FilesPredeleted.Inc()
		}
		return
	}
	if err := m.env.Files.Delete(ctx, f.Path); err != nil {
		log.Error().Err(err).Str("file", f.Path).Msg("failed to delete aged file")
		return
	}
	sum.Deleted++
	if m.env.Metrics != nil {
		m.env.Metrics.FilesDeleted.Inc()
	}
	m.env.Events.Publish(events.EventFileDeleted, map[string]any{
		"file": f.Path,
		"age":  age.String(),
	})
}

func (m *Monitor) enqueue(ctx context.Context, log zerolog.Logger, tag, agentID string, dataMf, reqMf filestore.Entry, now time.Time, sum *ScanSummary) error {
	row, err := m.env.States.GetItem(ctx, agentID, dataMf.Path)
	if err != nil {
		return fmt.Errorf("get state %s: %w", dataMf.Path, err)
	}
	if row != nil && row.Timestamp.Add(m.cfg.ManifestEnqueueInterval.D()).After(now) {
		return nil
	}

	set := model.ManifestSet{
		AgentID:             agentID,
		Tag:                 tag,
		RequestManifestPath: reqMf.Path,
		DataManifestPath:    dataMf.Path,
	}
	if err := m.env.ManifestSets.Enqueue(ctx, set); err != nil {
		return fmt.Errorf("enqueue %s: %w", dataMf.Path, err)
	}
	sum.Enqueued++
	if m.env.Metrics != nil {
		m.env.Metrics.ManifestSetsEnqueued.Inc()
	}
	m.env.Events.Publish(events.EventBatchEnqueued, map[string]any{
		"agent_id": agentID,
		"manifest": dataMf.Path,
		"request":  reqMf.Path,
	})
	log.Info().Str("manifest", dataMf.Path).Msg("manifest set enqueued")

	if row != nil || !m.cfg.PersistStateAfterEnqueue {
		return nil
	}

	// A placeholder row stamps the enqueue time so later passes skip the set
	// until the enqueue interval passes. Counter -1 marks it as not yet processed.
	reqCreated, dataCreated := reqMf.Created, dataMf.Created
	marker := model.NewManifestState(agentID, dataMf.Path)
	marker.RequestManifestPath = reqMf.Path
	marker.RequestManifestCreateTime = &reqCreated
	marker.DataFileManifestCreateTime = &dataCreated
	marker.Counter = -1
	if _, err := m.env.States.Insert(ctx, marker); err != nil {
		log.Warn().Err(err).Str("manifest", dataMf.Path).Msg("failed to persist enqueue marker")
	}
	return nil
}
