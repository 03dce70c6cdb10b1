// Package model defines the configuration, persisted rows and work items of the export pipeline.
package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	StateDir          string                  `yaml:"state_dir"`
	Logging           LoggingConfig           `yaml:"logging"`
	Daemon            DaemonConfig            `yaml:"daemon"`
	Store             StoreConfig             `yaml:"store"`
	Files             FilesConfig             `yaml:"files"`
	Tags              []string                `yaml:"tags"`
	Monitor           MonitorConfig           `yaml:"monitor"`
	ManifestProcessor ManifestProcessorConfig `yaml:"manifest_processor"`
	CompleteProcessor CompleteProcessorConfig `yaml:"complete_processor"`
	DataFileProcessor TaskConfig              `yaml:"data_file_processor"`
	Commands          CommandsConfig          `yaml:"commands"`
	Reaper            ReaperConfig            `yaml:"reaper"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type DaemonConfig struct {
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	Debounce        Duration `yaml:"debounce"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite | memory
	Path   string `yaml:"path"`
}

type FilesConfig struct {
	Root          string             `yaml:"root"`
	HoldingPath   string             `yaml:"holding_path"`
	OutputPath    string             `yaml:"output_path"`
	HoldingExpiry Duration           `yaml:"holding_expiry"`
	Thresholds    FileSizeThresholds `yaml:"thresholds"`
}

// FileSizeThresholds are byte counts separating the pending-file partitions.
type FileSizeThresholds struct {
	Medium    int64 `yaml:"medium"`
	Large     int64 `yaml:"large"`
	Oversized int64 `yaml:"oversized"`
}

type MonitorConfig struct {
	Interval                 Duration `yaml:"interval"`
	MinBatchAge              Duration `yaml:"min_batch_age"`
	MaxEnqueueAge            Duration `yaml:"max_enqueue_age"`
	DeleteAge                Duration `yaml:"delete_age"`
	ManifestEnqueueInterval  Duration `yaml:"manifest_enqueue_interval"`
	PersistStateAfterEnqueue bool     `yaml:"persist_state_after_enqueue"`
	DisableEnqueueAgents     []string `yaml:"disable_enqueue_agents"`
}

// EnqueueDisabled reports whether the operational kill-switch is set for agentID.
func (c MonitorConfig) EnqueueDisabled(agentID string) bool {
	for _, a := range c.DisableEnqueueAgents {
		if strings.EqualFold(a, agentID) {
			return true
		}
	}
	return false
}

// TaskConfig holds the settings shared by every dequeue/process/release loop.
type TaskConfig struct {
	Instances     int      `yaml:"instances"`
	LeaseTime     Duration `yaml:"lease_time"`
	RenewInterval Duration `yaml:"renew_interval"`
	DequeueWait   Duration `yaml:"dequeue_wait"`
	EmptyPause    Duration `yaml:"empty_pause"`
}

type ManifestProcessorConfig struct {
	TaskConfig                   `yaml:",inline"`
	MaxDequeueCount              int      `yaml:"max_dequeue_count"`
	DelayOnIncomplete            Duration `yaml:"delay_on_incomplete"`
	MaxCommandWait               Duration `yaml:"max_command_wait"`
	CommandReaderLeaseUpdateRows int      `yaml:"command_reader_lease_update_rows"`
}

type CompleteProcessorConfig struct {
	TaskConfig             `yaml:",inline"`
	MaxStateUpdateAttempts int `yaml:"max_state_update_attempts"`
	CommandBatchSize       int `yaml:"command_batch_size"`
}

type CommandsConfig struct {
	QueryBatchSize int     `yaml:"query_batch_size"`
	FeedRate       float64 `yaml:"feed_rate"`
	FeedBurst      int     `yaml:"feed_burst"`

	// FeedDefault is the answer of the static feed used when no command
	// feed is attached.
	FeedDefault string `yaml:"feed_default"`
	// ProcessNotAvailable lets batches proceed while commands are still
	// undelivered by the feed.
	ProcessNotAvailable bool `yaml:"process_not_available"`
}

type ReaperConfig struct {
	Interval  Duration `yaml:"interval"`
	Jitter    Duration `yaml:"jitter"`
	LeaseTime Duration `yaml:"lease_time"`
	MaxAge    Duration `yaml:"max_age"`
	MaxRows   int      `yaml:"max_rows"`
	Tables    []string `yaml:"tables"`
}

// Duration is a time.Duration that reads and writes Go duration strings in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yamlv3.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Defaults returns a configuration with every setting populated.
func Defaults() Config {
	task := func(lease, renew, pause time.Duration) TaskConfig {
		return TaskConfig{
			Instances:     2,
			LeaseTime:     Duration(lease),
			RenewInterval: Duration(renew),
			DequeueWait:   Duration(30 * time.Second),
			EmptyPause:    Duration(pause),
		}
	}
	dfp := task(10*time.Minute, 2*time.Minute, 10*time.Second)
	dfp.Instances = 1

	return Config{
		StateDir: ".exportd",
		Logging:  LoggingConfig{Level: "info"},
		Daemon: DaemonConfig{
			ShutdownTimeout: Duration(30 * time.Second),
			MetricsAddr:     "127.0.0.1:9464",
			SweepInterval:   Duration(10 * time.Minute),
			Debounce:        Duration(2 * time.Second),
		},
		Store: StoreConfig{Driver: "sqlite", Path: "state.db"},
		Files: FilesConfig{
			Root:          "exports",
			HoldingPath:   "holding",
			OutputPath:    "packages",
			HoldingExpiry: Duration(7 * 24 * time.Hour),
			Thresholds: FileSizeThresholds{
				Medium:    1 << 20,
				Large:     100 << 20,
				Oversized: 1 << 30,
			},
		},
		Tags: []string{"prod"},
		Monitor: MonitorConfig{
			Interval:                 Duration(5 * time.Minute),
			MinBatchAge:              Duration(10 * time.Minute),
			MaxEnqueueAge:            Duration(96 * time.Hour),
			DeleteAge:                Duration(7 * 24 * time.Hour),
			ManifestEnqueueInterval:  Duration(30 * time.Minute),
			PersistStateAfterEnqueue: true,
		},
		ManifestProcessor: ManifestProcessorConfig{
			TaskConfig:                   task(5*time.Minute, time.Minute, 15*time.Second),
			MaxDequeueCount:              5,
			DelayOnIncomplete:            Duration(5 * time.Minute),
			MaxCommandWait:               Duration(12 * time.Hour),
			CommandReaderLeaseUpdateRows: 10000,
		},
		CompleteProcessor: CompleteProcessorConfig{
			TaskConfig:             task(5*time.Minute, time.Minute, 10*time.Second),
			MaxStateUpdateAttempts: 5,
			CommandBatchSize:       10,
		},
		DataFileProcessor: dfp,
		Commands:          CommandsConfig{QueryBatchSize: 75, FeedRate: 20, FeedBurst: 5, FeedDefault: "ok"},
		Reaper: ReaperConfig{
			Interval:  Duration(time.Hour),
			Jitter:    Duration(10 * time.Minute),
			LeaseTime: Duration(10 * time.Minute),
			MaxAge:    Duration(30 * 24 * time.Hour),
			MaxRows:   1000,
			Tables:    []string{TableCommandState, TableLocks},
		},
	}
}

// LoadConfig reads path over Defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Tags) == 0 {
		errs = append(errs, errors.New("tags: at least one export tag is required"))
	}
	if c.Monitor.DeleteAge < c.Monitor.MaxEnqueueAge {
		errs = append(errs, errors.New("monitor.delete_age must be >= monitor.max_enqueue_age"))
	}
	t := c.Files.Thresholds
	if t.Medium <= 0 || t.Large < t.Medium || t.Oversized < t.Large {
		errs = append(errs, errors.New("files.thresholds must satisfy 0 < medium <= large <= oversized"))
	}
	for name, tc := range map[string]TaskConfig{
		"manifest_processor":  c.ManifestProcessor.TaskConfig,
		"complete_processor":  c.CompleteProcessor.TaskConfig,
		"data_file_processor": c.DataFileProcessor,
	} {
		if err := tc.validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Reaper.LeaseTime <= 0 {
		errs = append(errs, errors.New("reaper.lease_time must be positive"))
	}
	if c.CompleteProcessor.MaxStateUpdateAttempts <= 0 {
		errs = append(errs, errors.New("complete_processor.max_state_update_attempts must be positive"))
	}
	if c.CompleteProcessor.CommandBatchSize <= 0 {
		errs = append(errs, errors.New("complete_processor.command_batch_size must be positive"))
	}
	if c.Commands.QueryBatchSize <= 0 {
		errs = append(errs, errors.New("commands.query_batch_size must be positive"))
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: want sqlite or memory", c.Store.Driver))
	}
	return errors.Join(errs...)
}

// validate checks the lease settings of one task loop. A renewal interval
// at or beyond the lease time would let the lease lapse between renewals.
func (t TaskConfig) validate(name string) error {
	var errs []error
	if t.LeaseTime <= 0 {
		errs = append(errs, fmt.Errorf("%s.lease_time must be positive", name))
	}
	if t.RenewInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s.renew_interval must be positive", name))
	} else if t.LeaseTime > 0 && t.RenewInterval >= t.LeaseTime {
		errs = append(errs, fmt.Errorf("%s.renew_interval must be shorter than lease_time", name))
	}
	return errors.Join(errs...)
}

// ResolvePath joins p onto the state directory unless p is absolute.
func (c Config) ResolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.StateDir, p)
}
