package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	LogFileExtension  = ".jsonl"
	ArchiveDir        = "archive"
	ArchiveExtension  = ".zst"
)

// LogEntry is one line of the activity log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Manifest  string         `json:"manifest,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// ActivityLog is the append-only JSONL record of what happened to each batch.
// The file is archived with zstd once it would exceed maxSize.
type ActivityLog struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	rotationCounter int
	logger          zerolog.Logger
}

func NewActivityLog(logPath string, maxSize int64, logger zerolog.Logger) (*ActivityLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	l := &ActivityLog{
		logPath: logPath,
		maxSize: maxSize,
		logger:  logger.With().Str("component", "activity_log").Logger(),
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create activity log directory: %w", err)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *ActivityLog) open() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open activity log: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat activity log: %w", err)
	}
	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record is a Subscriber writing e to the log. Failures are logged, not returned.
func (l *ActivityLog) Record(e Event) {
	entry := LogEntry{
		Timestamp: e.Timestamp,
		EventType: string(e.Type),
		Details:   map[string]any{},
	}
	for k, v := range e.Data {
		switch k {
		case "agent_id":
			entry.AgentID, _ = v.(string)
		case "manifest":
			entry.Manifest, _ = v.(string)
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	if err := l.WriteEntry(&entry); err != nil {
		l.logger.Error().Err(err).Str("event_type", entry.EventType).Msg("failed to write activity log entry")
	}
}

func (l *ActivityLog) WriteEntry(entry *LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize && l.currentSize > 0 {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate activity log: %w", err)
		}
	}
	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write activity entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *ActivityLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close activity log: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	l.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(l.logPath), LogFileExtension)
	archiveName := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), l.rotationCounter, LogFileExtension)
	dst := filepath.Join(archiveDir, archiveName)
	if err := compressFile(l.logPath, dst+ArchiveExtension); err != nil {
		l.logger.Warn().Err(err).Msg("compress archived activity log, keeping it uncompressed")
		_ = os.Remove(dst + ArchiveExtension)
		if err := os.Rename(l.logPath, dst); err != nil {
			return fmt.Errorf("archive activity log: %w", err)
		}
		return l.open()
	}
	if err := os.Remove(l.logPath); err != nil {
		return fmt.Errorf("remove archived activity log: %w", err)
	}
	return l.open()
}

// compressFile writes a zstd copy of src to dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (l *ActivityLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
