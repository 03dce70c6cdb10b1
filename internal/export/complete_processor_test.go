package export

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/exportd/internal/events"
	"github.com/msageha/exportd/internal/model"
)

// processedBatch leaves a processed batch whose pending files were drained.
func processedBatch(t *testing.T, files, cmds []string) *harness {
	t.Helper()
	h := newHarness(t)
	h.writeBatch(files, cmds)
	h.enqueueSet()
	require.Equal(t, model.OutcomeOk, h.processSet().Kind)
	h.drainPending()
	return h
}

func TestCompleteProcessor_IdempotentRemoval(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv", "b.tsv"}, []string{"c1"})

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)

	st := h.state()
	require.NotNil(t, st)
	assert.Equal(t, []string{"prod.agent1.b.tsv"}, st.DataFileTags)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.BatchesCompleted))
}

func TestCompleteProcessor_TagMatchIsCaseInsensitive(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv", "b.tsv"}, []string{"c1"})

	require.Equal(t, model.OutcomeOk, h.complete("A.TSV").Kind)
	assert.Equal(t, []string{"prod.agent1.b.tsv"}, h.state().DataFileTags)
}

func TestCompleteProcessor_FinalizesOnce(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv", "b.tsv"}, []string{"c1", "c2"})
	ctx := context.Background()

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	require.Equal(t, model.OutcomeOk, h.complete("b.tsv").Kind)
	require.Equal(t, model.OutcomeOk, h.complete("b.tsv").Kind)
	require.Equal(t, model.OutcomeOk, h.complete("").Kind)

	assert.Nil(t, h.state())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BatchesCompleted))
	assert.Len(t, h.rec.Of(events.EventBatchCompleted), 1)

	for _, id := range []string{"c1", "c2"} {
		cmd, err := h.env.Commands.GetItem(ctx, agent1, id)
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.True(t, cmd.IsComplete, id)
	}

	assert.False(t, h.exists(dataMf))
	assert.False(t, h.exists(reqMf))
	assert.True(t, h.exists("holding/agent1/DataFileManifest"+suffix))
	assert.True(t, h.exists("holding/agent1/RequestManifest"+suffix))
	exp, ok := h.files.Expiry("holding/agent1/DataFileManifest" + suffix)
	require.True(t, ok)
	assert.Equal(t, t0.Add(h.env.Config.Files.HoldingExpiry.D()), exp)
}

func TestCompleteProcessor_IgnoredCommandsRemoved(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv"}, []string{"c1", "c2", "c3"})
	ctx := context.Background()

	ignored, err := h.env.Commands.GetItem(ctx, agent1, "c2")
	require.NoError(t, err)
	ignored.IgnoreCommand = true
	ok, err := h.env.Commands.Replace(ctx, ignored)
	require.NoError(t, err)
	require.True(t, ok)

	done, err := h.env.Commands.GetItem(ctx, agent1, "c3")
	require.NoError(t, err)
	done.IsComplete = true
	ok, err = h.env.Commands.Replace(ctx, done)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	assert.Nil(t, h.state())

	gone, err := h.env.Commands.GetItem(ctx, agent1, "c2")
	require.NoError(t, err)
	assert.Nil(t, gone)
	c1, err := h.env.Commands.GetItem(ctx, agent1, "c1")
	require.NoError(t, err)
	assert.True(t, c1.IsComplete)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandsFinalized.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandsFinalized.WithLabelValues("removed")))
}

func TestCompleteProcessor_UnknownCommandsSkipped(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv"}, []string{"c1"})

	// A command listed in the request manifest but never recorded.
	h.write(reqMf, "c1\nnever-seen\n", batchAge)
	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	assert.Nil(t, h.state())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CommandsFinalized.WithLabelValues("not_found")))
}

func TestCompleteProcessor_MissingRequestManifestStillFinalizes(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv"}, []string{"c1"})
	require.NoError(t, h.files.Delete(context.Background(), reqMf))

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	assert.Nil(t, h.state())
	assert.True(t, h.exists("holding/agent1/DataFileManifest"+suffix))
}

func TestCompleteProcessor_NoStateRow(t *testing.T) {
	h := newHarness(t)
	out := h.complete("a.tsv")
	assert.Equal(t, model.OutcomeOk, out.Kind)
	assert.Equal(t, 0, queueDepth(t, h.env.CompleteFiles))
}

func TestCompleteProcessor_PlaceholderNotFinalized(t *testing.T) {
	h := newHarness(t)
	h.writeBatch([]string{"a.tsv"}, []string{"c1"})
	_, err := NewMonitor(h.env).ScanTag(context.Background(), "prod")
	require.NoError(t, err)

	out := h.complete("")
	assert.Equal(t, model.OutcomeTransient, out.Kind)
	assert.NotNil(t, h.state())
	assert.True(t, h.exists(dataMf))
	assert.Equal(t, 1, queueDepth(t, h.env.CompleteFiles), "released for retry")
}

func TestCompleteProcessor_HeldManifestWithoutLifetime(t *testing.T) {
	h := processedBatch(t, []string{"a.tsv"}, []string{"c1"})
	ctx := context.Background()

	// An earlier finalization moved the manifest but never recorded its lifetime.
	held, err := h.files.Move(ctx, dataMf, "holding/agent1")
	require.NoError(t, err)
	_, ok := h.files.Expiry(held)
	require.False(t, ok)

	require.Equal(t, model.OutcomeOk, h.complete("a.tsv").Kind)
	assert.Nil(t, h.state())
	exp, ok := h.files.Expiry(held)
	require.True(t, ok, "lifetime set on the already held manifest")
	assert.Equal(t, t0.Add(h.env.Config.Files.HoldingExpiry.D()), exp)
	_, ok = h.files.Expiry("holding/agent1/RequestManifest" + suffix)
	assert.True(t, ok)
}
