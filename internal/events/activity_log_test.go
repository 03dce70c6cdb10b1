package events

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEntries(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	return decodeEntries(t, f)
}

func readArchive(t *testing.T, path string) []LogEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer dec.Close()
	return decodeEntries(t, dec)
}

func decodeEntries(t *testing.T, r io.Reader) []LogEntry {
	t.Helper()
	var out []LogEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestActivityLog_RecordSplitsCommonFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "activity.jsonl")
	log, err := NewActivityLog(path, DefaultMaxLogSize, zerolog.Nop())
	require.NoError(t, err)

	log.Record(Event{
		Type:      EventBatchChanged,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Data: map[string]any{
			"agent_id": "agent1",
			"manifest": "prod/agent1/DataFileManifest_2024_03_01_10",
			"reason":   "data manifest hash changed",
		},
	})
	log.Record(Event{Type: EventBatchCompleted, Timestamp: time.Now().UTC()})
	require.NoError(t, log.Close())

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "batch_changed", entries[0].EventType)
	assert.Equal(t, "agent1", entries[0].AgentID)
	assert.Equal(t, "prod/agent1/DataFileManifest_2024_03_01_10", entries[0].Manifest)
	assert.Equal(t, map[string]any{"reason": "data manifest hash changed"}, entries[0].Details)
	assert.Nil(t, entries[1].Details)
}

func TestActivityLog_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activity.jsonl")
	log, err := NewActivityLog(path, 200, zerolog.Nop())
	require.NoError(t, err)
	defer log.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, log.WriteEntry(&LogEntry{
			Timestamp: time.Now().UTC(),
			EventType: string(EventDataFileStatus),
			Details:   map[string]any{"i": i, "status": "valid"},
		}))
	}

	archived, err := filepath.Glob(filepath.Join(dir, ArchiveDir, "activity.*.jsonl"+ArchiveExtension))
	require.NoError(t, err)
	require.NotEmpty(t, archived)

	total := len(readEntries(t, path))
	for _, a := range archived {
		entries := readArchive(t, a)
		assert.NotEmpty(t, entries, a)
		total += len(entries)
	}
	assert.Equal(t, 10, total, "every entry is either live or archived")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(200))
}

func TestActivityLog_AppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.jsonl")
	for i := 0; i < 2; i++ {
		log, err := NewActivityLog(path, 0, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, log.WriteEntry(&LogEntry{EventType: "file_deleted"}))
		require.NoError(t, log.Close())
	}
	assert.Len(t, readEntries(t, path), 2)
}
