package export

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exportd/internal/clock"
	"github.com/msageha/exportd/internal/model"
	"github.com/msageha/exportd/internal/store"
)

func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.writeBatch([]string{"Browse_%Y_%m_%d_%H.tsv", "b.tsv", "c.tsv"}, []string{"AAAA-0001", "aaaa-0002"})
	h.write("prod/agent1/Browse_2024_03_01_10.tsv", "browse rows", batchAge)

	sums, err := NewMonitor(h.env).ScanAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sums[0].Enqueued)

	mp := NewManifestProcessor(h.env)
	_, err = mp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, h.pendingDepth())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchOutcomes.WithLabelValues("manifest_processor", "ok")))

	dfp := NewDataFileProcessor(h.env)
	for range 3 {
		delay, err := dfp.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, delay)
	}
	delay, err := dfp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.env.Config.DataFileProcessor.EmptyPause.D(), delay, "all partitions empty")
	assert.Equal(t, 3, queueDepth(t, h.env.CompleteFiles))

	pkgDir := "packages/agent1/DataFileManifest" + suffix
	got, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(pkgDir), "Browse.json"))
	require.NoError(t, err)
	assert.Equal(t, "browse rows", string(got))
	assert.True(t, h.exists(pkgDir+"/b.json"))
	assert.True(t, h.exists(pkgDir+"/c.json"))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.DataFilesCopied))

	cp := NewCompleteProcessor(h.env)
	for range 3 {
		_, err := cp.RunOnce(ctx)
		require.NoError(t, err)
	}

	assert.Nil(t, h.state(), "batch row deleted")
	assert.Equal(t, 0, queueDepth(t, h.env.CompleteFiles))
	for _, id := range []string{"aaaa0001", "aaaa0002"} {
		cmd, err := h.env.Commands.GetItem(ctx, agent1, id)
		require.NoError(t, err)
		require.NotNil(t, cmd, id)
		assert.True(t, cmd.IsComplete, id)
	}
	assert.True(t, h.exists("holding/agent1/DataFileManifest"+suffix))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchesCompleted))

	// The holding copies expire with the file store's lifetime sweep.
	h.clk.Advance(h.env.Config.Files.HoldingExpiry.D() + time.Minute)
	n, err := h.files.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, h.exists("holding/agent1/DataFileManifest"+suffix))
}

func TestPipeline_EmptyManifestFinalizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.write(dataMf, "", batchAge)
	h.write(reqMf, "c1\n", batchAge)
	h.enqueueSet()

	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	assert.Equal(t, 0, h.pendingDepth())
	require.Equal(t, 1, queueDepth(t, h.env.CompleteFiles), "bare completion queued")

	_, err := NewCompleteProcessor(h.env).RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, h.state())
}

func TestReaper_DeletesAgedRows(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Reaper.Tables = []string{model.TableCommandState}
	})
	ctx := context.Background()

	for _, id := range []string{"old1", "old2"} {
		ok, err := h.env.Commands.Insert(ctx, model.NewCommandState(agent1, id))
		require.NoError(t, err)
		require.True(t, ok)
	}
	h.clk.Advance(31 * 24 * time.Hour)
	ok, err := h.env.Commands.Insert(ctx, model.NewCommandState("agent2", "fresh"))
	require.NoError(t, err)
	require.True(t, ok)

	r, err := NewReaper(h.env, clock.FixedRNG{Value: int64(time.Minute)})
	require.NoError(t, err)
	delay, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.env.Config.Reaper.Interval.D()+time.Minute, delay)

	old, err := h.env.Commands.GetItem(ctx, agent1, "old1")
	require.NoError(t, err)
	assert.Nil(t, old)
	fresh, err := h.env.Commands.GetItem(ctx, "agent2", "fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ReaperRowsDeleted.WithLabelValues(model.TableCommandState)))

	lock, err := h.env.Locks.GetItem(ctx, reaperLockGroup, model.TableCommandState)
	require.NoError(t, err)
	require.NotNil(t, lock, "reaper lease kept after release")
	assert.Empty(t, lock.OwnerTaskID)
}

func TestReaper_SkipsTableLeasedElsewhere(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Reaper.Tables = []string{model.TableCommandState}
	})
	ctx := context.Background()
	ok, err := h.env.Commands.Insert(ctx, model.NewCommandState(agent1, "old"))
	require.NoError(t, err)
	require.True(t, ok)
	h.clk.Advance(31 * 24 * time.Hour)

	other, err := h.env.Leases.AttemptAcquire(ctx, reaperLockGroup, model.TableCommandState, "other", time.Hour, false)
	require.NoError(t, err)
	require.NotNil(t, other)

	r, err := NewReaper(h.env, clock.FixedRNG{})
	require.NoError(t, err)
	counts, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[model.TableCommandState])
}

// brokenSweeper fails every query.
type brokenSweeper struct{ store.Sweeper }

func (brokenSweeper) QueryKeys(context.Context, store.Filter) ([]store.Key, error) {
	return nil, assert.AnError
}

func TestReaper_FailingTableDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Reaper.Tables = []string{model.TableLocks, model.TableCommandState}
	})
	ctx := context.Background()
	ok, err := h.env.Commands.Insert(ctx, model.NewCommandState(agent1, "old"))
	require.NoError(t, err)
	require.True(t, ok)
	h.clk.Advance(31 * 24 * time.Hour)

	r, err := NewReaper(h.env, clock.FixedRNG{})
	require.NoError(t, err)
	r.tables[0] = brokenSweeper{r.tables[0]}

	counts, err := r.Sweep(ctx)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, counts[model.TableCommandState], "later table still swept")

	old, err := h.env.Commands.GetItem(ctx, agent1, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestNewReaper_UnknownTable(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.Reaper.Tables = []string{"nope"}
	})
	_, err := NewReaper(h.env, clock.FixedRNG{})
	assert.Error(t, err)
}

type countingTask struct {
	runs   atomic.Int32
	fail   bool
	panics bool
	after  int32
	stop   context.CancelFunc
}

func (c *countingTask) Name() string { return "counting" }

func (c *countingTask) RunOnce(ctx context.Context) (time.Duration, error) {
	n := c.runs.Add(1)
	if n >= c.after {
		c.stop()
	}
	if c.panics {
		panic("pass exploded")
	}
	if c.fail {
		return 0, assert.AnError
	}
	return time.Millisecond, nil
}

func TestRun_LoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{after: 3, stop: cancel}
	Run(ctx, task, zerolog.Nop(), nil)
	assert.Equal(t, int32(3), task.runs.Load())
}

func TestRun_CountsErrors(t *testing.T) {
	h := newHarness(t)
	prev := errorPause
	errorPause = time.Millisecond
	t.Cleanup(func() { errorPause = prev })

	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{after: 3, stop: cancel, fail: true}
	Run(ctx, task, zerolog.Nop(), h.metrics)
	assert.Equal(t, int32(3), task.runs.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TaskErrors.WithLabelValues("counting")), "the pass that saw cancellation is not counted")
}

func TestRun_RecoversPanickingPass(t *testing.T) {
	h := newHarness(t)
	prev := errorPause
	errorPause = time.Millisecond
	t.Cleanup(func() { errorPause = prev })

	ctx, cancel := context.WithCancel(context.Background())
	task := &countingTask{after: 3, stop: cancel, panics: true}
	Run(ctx, task, zerolog.Nop(), h.metrics)
	assert.Equal(t, int32(3), task.runs.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TaskErrors.WithLabelValues("counting")))
}
