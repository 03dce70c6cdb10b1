package export

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exportd/internal/commands"
	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/lease"
	"github.com/msageha/exportd/internal/model"
)

func pendingPaths(files []model.PendingFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.DataFilePath
	}
	sort.Strings(out)
	return out
}

func TestManifestProcessor_FansOutBySize(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv", "b.tsv"}, []string{"c1", "c2"})
	h.write("prod/agent1/b.tsv", "", batchAge)
	h.enqueueSet()

	out := h.processSet()
	assert.Equal(t, model.OutcomeOk, out.Kind, out.String())
	assert.Equal(t, 0, queueDepth(t, h.env.ManifestSets), "item completed")

	depths, err := h.env.PendingFiles.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depths[model.PartitionSmall])
	assert.Equal(t, 1, depths[model.PartitionEmpty])

	files := h.drainPending()
	require.Len(t, files, 2)
	assert.Equal(t, []string{"prod/agent1/a.tsv", "prod/agent1/b.tsv"}, pendingPaths(files))
	for _, f := range files {
		assert.Equal(t, dataMf, f.ManifestPath)
		assert.Equal(t, agent1, f.AgentID)
		assert.Contains(t, []string{"a.json", "b.json"}, f.PackageName)
	}

	st := h.state()
	require.NotNil(t, st)
	assert.Equal(t, 0, st.Counter)
	assert.ElementsMatch(t, []string{"prod.agent1.a.tsv", "prod.agent1.b.tsv"}, st.DataFileTags)
	require.NotNil(t, st.FirstProcessingTime)
	assert.True(t, st.FirstProcessingTime.Equal(t0))

	// Commands delivered by the feed are recorded as actionable.
	cmd, err := h.env.Commands.GetItem(context.Background(), agent1, "c1")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.False(t, cmd.IsComplete)

	lock, err := h.env.Locks.GetItem(context.Background(), agent1, dataMf)
	require.NoError(t, err)
	assert.Nil(t, lock, "lease purged after completion")
}

func TestManifestProcessor_MissingDataFileCompletesDirectly(t *testing.T) {
	h := newHarness(t)
	h.write(dataMf, "a.tsv\ngone.tsv\n", batchAge)
	h.write(reqMf, "c1\n", batchAge)
	h.write("prod/agent1/a.tsv", "x", batchAge)
	h.enqueueSet()

	out := h.processSet()
	assert.Equal(t, model.OutcomeOk, out.Kind)
	assert.Equal(t, 1, h.pendingDepth())
	assert.Equal(t, 1, queueDepth(t, h.env.CompleteFiles))
}

func TestManifestProcessor_ManifestGone(t *testing.T) {
	h := newHarness(t)
	h.write(reqMf, "c1\n", batchAge)
	h.enqueueSet()

	out := h.processSet()
	assert.Equal(t, model.OutcomeOk, out.Kind)
	assert.Equal(t, "manifest missing", out.Reason)
	assert.Equal(t, 0, queueDepth(t, h.env.ManifestSets))
	assert.Nil(t, h.state())
}

func TestManifestProcessor_LeaseHeldElsewhere(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()

	other, err := h.env.Leases.AttemptAcquire(context.Background(), agent1, dataMf, "other-task", time.Hour, false)
	require.NoError(t, err)
	require.NotNil(t, other)

	out := h.processSet()
	assert.Equal(t, "lease held elsewhere", out.Reason)
	assert.Equal(t, 0, queueDepth(t, h.env.ManifestSets))
	assert.Equal(t, 0, h.pendingDepth(), "no work done without the lease")
	assert.Nil(t, h.state())
}

func TestManifestProcessor_TamperDetection(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv", "b.tsv"}, []string{"c1"})
	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	h.drainPending()

	h.write(dataMf, "a.tsv\nb.tsv\nextra.tsv\n", batchAge)
	h.enqueueSet()
	out := h.processSet()
	assert.Equal(t, model.OutcomeFatal, out.Kind)
	assert.Len(t, h.rec.Of(events.EventBatchChanged), 1)
	assert.Equal(t, 0, h.pendingDepth())
	assert.Equal(t, 0, queueDepth(t, h.env.ManifestSets), "fatal outcomes complete the item")
	assert.Equal(t, 1, h.state().Counter)
}

func TestManifestProcessor_RequestTamperDetection(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)

	h.write(reqMf, "c1\nc2\n", batchAge)
	h.enqueueSet()
	out := h.processSet()
	assert.Equal(t, model.OutcomeFatal, out.Kind)
	ev := h.rec.Of(events.EventBatchChanged)
	require.Len(t, ev, 1)
	assert.Equal(t, true, ev[0].Data["request_changed"])
	assert.Equal(t, false, ev[0].Data["data_changed"])
}

func TestManifestProcessor_ReprocessOnlyPendingFiles(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv", "b.tsv", "c.tsv"}, []string{"c1"})
	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	require.Len(t, h.drainPending(), 3)

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)

	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	files := h.drainPending()
	assert.Equal(t, []string{"prod/agent1/b.tsv", "prod/agent1/c.tsv"}, pendingPaths(files))
	assert.Equal(t, 1, h.state().Counter)
	assert.Len(t, h.rec.Of(events.EventDataFileStatus), 3, "file status reported on the first pass only")
}

func TestManifestProcessor_PendingSetMismatch(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv", "b.tsv"}, []string{"c1"})
	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)

	st := h.state()
	st.DataFileTags = append(st.DataFileTags, "prod.agent1.unknown.tsv")
	ok, err := h.env.States.Replace(context.Background(), st)
	require.NoError(t, err)
	require.True(t, ok)

	h.enqueueSet()
	out := h.processSet()
	assert.Equal(t, model.OutcomeFatal, out.Kind)
	assert.Len(t, h.rec.Of(events.EventPendingSetMismatch), 1)
}

func TestManifestProcessor_TakesOverDiscoveryMarker(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	_, err := NewMonitor(h.env).ScanTag(context.Background(), "prod")
	require.NoError(t, err)
	require.Equal(t, -1, h.state().Counter)

	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	st := h.state()
	assert.Equal(t, 0, st.Counter)
	assert.Equal(t, []string{"prod.agent1.a.tsv"}, st.DataFileTags)
	assert.NotNil(t, st.DataFileManifestHash)
	assert.Equal(t, 1, h.pendingDepth())
}

func TestManifestProcessor_MissingCommandsBlockUntilWaitExpires(t *testing.T) {
	h := newHarness(t)
	h.feed.Default = commands.FeedUnableToResolveLocation
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()

	out := h.processSet()
	assert.Equal(t, model.OutcomeTransient, out.Kind)
	assert.Equal(t, 0, h.pendingDepth())
	assert.Equal(t, 1, queueDepth(t, h.env.ManifestSets), "item kept for retry")
	assert.Nil(t, h.dequeueSet(), "item hidden for the incomplete delay")

	lock, err := h.env.Locks.GetItem(context.Background(), agent1, dataMf)
	require.NoError(t, err)
	require.NotNil(t, lock, "lease released without purge")
	assert.Empty(t, lock.OwnerTaskID)

	h.clk.Advance(13 * time.Hour)
	out = h.processSet()
	assert.Equal(t, model.OutcomeOk, out.Kind, out.String())
	assert.Equal(t, 1, h.pendingDepth())
}

func TestManifestProcessor_NotDeliveredCommandsBlock(t *testing.T) {
	h := newHarness(t)
	h.feed.Default = commands.FeedNotYetDelivered
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()

	h.clk.Advance(13 * time.Hour)
	out := h.processSet()
	assert.Equal(t, model.OutcomeTransient, out.Kind, "undelivered commands block past the wait")
}

func TestManifestProcessor_AbandonsAfterMaxDequeues(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()
	ctx := context.Background()

	maxCount := h.env.Config.ManifestProcessor.MaxDequeueCount
	for range maxCount {
		item := h.dequeueSet()
		require.NotNil(t, item)
		require.NoError(t, item.Release(ctx))
	}

	out := h.processSet()
	assert.Equal(t, model.OutcomeFatal, out.Kind)
	assert.Len(t, h.rec.Of(events.EventBatchAbandoned), 1)
	assert.Equal(t, 0, queueDepth(t, h.env.ManifestSets))
	assert.Nil(t, h.state(), "abandoned sets are not processed")
}

func TestManifestProcessor_DuplicateCommandsReported(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"C-1", "c1", "c2"})
	h.enqueueSet()

	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	ev := h.rec.Of(events.EventDuplicateCommands)
	require.Len(t, ev, 1)
	assert.Equal(t, 3, ev[0].Data["rows"])
	assert.Equal(t, 2, ev[0].Data["distinct"])
}

func TestManifestProcessor_RunOnceEmptyQueuePauses(t *testing.T) {
	h := newHarness(t)
	delay, err := NewManifestProcessor(h.env).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.env.Config.ManifestProcessor.EmptyPause.D(), delay)
}

func TestManifestProcessor_NonPositiveRenewIntervalFailsItem(t *testing.T) {
	h := newHarness(t, func(c *model.Config) {
		c.ManifestProcessor.RenewInterval = 0
	})
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	h.enqueueSet()

	item := h.dequeueSet()
	require.NotNil(t, item)
	_, err := NewManifestProcessor(h.env).Process(context.Background(), item)
	assert.ErrorIs(t, err, lease.ErrInvalidInterval)
	assert.Equal(t, 1, queueDepth(t, h.env.ManifestSets), "item kept for redelivery")
	assert.Equal(t, 0, h.pendingDepth())
	assert.Nil(t, h.state())
}
