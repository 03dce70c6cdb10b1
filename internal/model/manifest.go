package model

import (
	"path"
	"slices"
	"strings"
	"time"
)

// Table and queue names used by the pipeline.
const (
	TableManifestState = "manifest_state"
	TableCommandState  = "command_state"
	TableLocks         = "locks"

	QueueManifestSets  = "manifest_sets"
	QueuePendingFiles  = "pending_files"
	QueueCompleteFiles = "complete_files"
)

// ForceETag makes a replace or delete unconditional.
const ForceETag = "*"

// Entity carries the table keys and optimistic-concurrency token of a row.
// Timestamp is maintained by the store on every write.
type Entity struct {
	PartitionKey string    `json:"-"`
	RowKey       string    `json:"-"`
	ETag         string    `json:"-"`
	Timestamp    time.Time `json:"-"`
}

func (e *Entity) Meta() *Entity { return e }

// ManifestSet is one discovered request/data manifest pair awaiting validation.
type ManifestSet struct {
	AgentID             string `json:"agent_id"`
	Tag                 string `json:"tag"`
	RequestManifestPath string `json:"request_manifest_path"`
	DataManifestPath    string `json:"data_manifest_path"`
}

// DataManifestTag identifies the batch in logs and events.
func (m ManifestSet) DataManifestTag() string {
	return GenerateFileTag(m.Tag, m.AgentID, path.Base(m.DataManifestPath))
}

// ManifestState is the persisted progress record of one batch, keyed by
// (agent id, data manifest path). It exists until the batch is retired.
type ManifestState struct {
	Entity

	RequestManifestPath        string     `json:"request_manifest_path,omitempty"`
	RequestManifestCreateTime  *time.Time `json:"request_manifest_create_time,omitempty"`
	DataFileManifestCreateTime *time.Time `json:"data_file_manifest_create_time,omitempty"`
	RequestManifestHash        *int32     `json:"request_manifest_hash,omitempty"`
	DataFileManifestHash       *int32     `json:"data_file_manifest_hash,omitempty"`
	DataFileTags               []string   `json:"data_file_tags,omitempty"`
	FirstProcessingTime        *time.Time `json:"first_processing_time,omitempty"`

	// Counter is -1 while only the enqueue marker exists, otherwise the
	// number of redundant processing attempts after the first.
	Counter int `json:"counter"`
}

func NewManifestState(agentID, manifestPath string) *ManifestState {
	return &ManifestState{Entity: Entity{PartitionKey: agentID, RowKey: manifestPath}}
}

func (s *ManifestState) AgentID() string      { return s.PartitionKey }
func (s *ManifestState) ManifestPath() string { return s.RowKey }

// RemoveTag drops tag (case-insensitive) from the pending set and reports
// whether anything was removed.
func (s *ManifestState) RemoveTag(tag string) bool {
	before := len(s.DataFileTags)
	s.DataFileTags = slices.DeleteFunc(s.DataFileTags, func(t string) bool {
		return strings.EqualFold(t, tag)
	})
	return len(s.DataFileTags) != before
}

// HasTag reports whether tag is still pending (case-insensitive).
func (s *ManifestState) HasTag(tag string) bool {
	return slices.ContainsFunc(s.DataFileTags, func(t string) bool {
		return strings.EqualFold(t, tag)
	})
}

// CommandState is the per-command completion record keyed by (agent id, canonical command id).
type CommandState struct {
	Entity

	IsComplete    bool `json:"is_complete"`
	NotApplicable bool `json:"not_applicable,omitempty"`
	IgnoreCommand bool `json:"ignore_command,omitempty"`
}

func NewCommandState(agentID, commandID string) *CommandState {
	return &CommandState{Entity: Entity{PartitionKey: agentID, RowKey: commandID}}
}

func (c *CommandState) AgentID() string   { return c.PartitionKey }
func (c *CommandState) CommandID() string { return c.RowKey }

// LockEntry is a lease row keyed by (group, name).
type LockEntry struct {
	Entity

	LockExpires time.Time `json:"lock_expires"`
	OwnerTaskID string    `json:"owner_task_id,omitempty"`
}

func NewLockEntry(group, name string) *LockEntry {
	return &LockEntry{Entity: Entity{PartitionKey: group, RowKey: name}}
}

// PendingFile is one data file of a batch queued for processing.
type PendingFile struct {
	AgentID      string `json:"agent_id"`
	Tag          string `json:"tag"`
	ManifestPath string `json:"manifest_path"`
	DataFilePath string `json:"data_file_path"`
	PackageName  string `json:"package_name"`
}

// CompleteFile notifies that one data file of a batch is done. An empty
// DataFilePath marks a batch whose manifest listed no valid files.
type CompleteFile struct {
	AgentID      string `json:"agent_id"`
	Tag          string `json:"tag"`
	ManifestPath string `json:"manifest_path"`
	DataFilePath string `json:"data_file_path"`
	PackageName  string `json:"package_name,omitempty"`
}

// FileSizePartition routes pending files so large files cannot starve small ones.
type FileSizePartition string

const (
	PartitionEmpty    FileSizePartition = "empty"
	PartitionSmall    FileSizePartition = "small"
	PartitionMedium   FileSizePartition = "medium"
	PartitionLarge    FileSizePartition = "large"
	PartitionOversize FileSizePartition = "oversize"
)

// Partitions lists every partition in the order processors visit them.
var Partitions = []FileSizePartition{
	PartitionEmpty,
	PartitionSmall,
	PartitionMedium,
	PartitionLarge,
	PartitionOversize,
}

func GetPartition(t FileSizeThresholds, size int64) FileSizePartition {
	switch {
	case size == 0:
		return PartitionEmpty
	case size > t.Oversized:
		return PartitionOversize
	case size > t.Large:
		return PartitionLarge
	case size > t.Medium:
		return PartitionMedium
	default:
		return PartitionSmall
	}
}
