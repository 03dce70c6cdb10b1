// Package metrics holds the Prometheus collectors of the export pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline updates.
type Metrics struct {
	// Discovery
	ManifestSetsEnqueued prometheus.Counter   // exportd_manifest_sets_enqueued_total
	FilesDeleted         prometheus.Counter   // exportd_files_deleted_total
	FilesPredeleted      prometheus.Counter   // exportd_files_predeleted_total
	PendingManifestPairs *prometheus.GaugeVec // exportd_pending_manifest_pairs{tag}
	LooseDataFiles       *prometheus.GaugeVec // exportd_loose_data_files{tag}
	OldestBatchAge       *prometheus.GaugeVec // exportd_oldest_batch_age_seconds{tag}

	// Processing
	BatchOutcomes       *prometheus.CounterVec // exportd_batch_outcomes_total{processor,outcome}
	PendingFilesQueued  *prometheus.CounterVec // exportd_pending_files_enqueued_total{partition}
	DataFiles           *prometheus.CounterVec // exportd_data_files_total{state}
	Commands            *prometheus.CounterVec // exportd_commands_total{status}
	BatchesCompleted    prometheus.Counter     // exportd_batches_completed_total
	CommandsFinalized   *prometheus.CounterVec // exportd_commands_finalized_total{result}
	DataFilesCopied     prometheus.Counter     // exportd_data_files_copied_total
	DataFileBytesCopied prometheus.Counter     // exportd_data_file_bytes_copied_total

	// Housekeeping
	QueueDepth        *prometheus.GaugeVec   // exportd_queue_depth{queue}
	ReaperRowsDeleted *prometheus.CounterVec // exportd_reaper_rows_deleted_total{table}
	HoldingFilesSwept prometheus.Counter     // exportd_holding_files_swept_total
	TaskErrors        *prometheus.CounterVec // exportd_task_errors_total{task}
	ControlRequests   *prometheus.CounterVec // exportd_control_requests_total{command,code}
}

// New registers the pipeline collectors on registry, or on the default
// registerer when registry is nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		ManifestSetsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_manifest_sets_enqueued_total",
			Help: "Manifest sets queued for validation by discovery",
		}),
		FilesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_files_deleted_total",
			Help: "Abandoned export files deleted by discovery",
		}),
		FilesPredeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_files_predeleted_total",
			Help: "Abandoned export files seen but not yet old enough to delete",
		}),
		PendingManifestPairs: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exportd_pending_manifest_pairs",
			Help: "Manifest pairs found by the last discovery pass",
		}, []string{"tag"}),
		LooseDataFiles: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exportd_loose_data_files",
			Help: "Data files found by the last discovery pass",
		}, []string{"tag"}),
		OldestBatchAge: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exportd_oldest_batch_age_seconds",
			Help: "Age of the oldest manifest pair found by the last discovery pass",
		}, []string{"tag"}),

		BatchOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_batch_outcomes_total",
			Help: "Work item outcomes by processor",
		}, []string{"processor", "outcome"}),
		PendingFilesQueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_pending_files_enqueued_total",
			Help: "Pending files fanned out by size partition",
		}, []string{"partition"}),
		DataFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_data_files_total",
			Help: "Data files listed in processed manifests by state",
		}, []string{"state"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_commands_total",
			Help: "Request manifest commands by resolved status",
		}, []string{"status"}),
		BatchesCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_batches_completed_total",
			Help: "Batches retired after every file completed",
		}),
		CommandsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_commands_finalized_total",
			Help: "Commands updated while finalizing batches by result",
		}, []string{"result"}),
		DataFilesCopied: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_data_files_copied_total",
			Help: "Data files copied into export packages",
		}),
		DataFileBytesCopied: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_data_file_bytes_copied_total",
			Help: "Bytes copied into export packages",
		}),

		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exportd_queue_depth",
			Help: "Items waiting in each work queue",
		}, []string{"queue"}),
		ReaperRowsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_reaper_rows_deleted_total",
			Help: "Aged table rows deleted by the reaper",
		}, []string{"table"}),
		HoldingFilesSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "exportd_holding_files_swept_total",
			Help: "Files removed after their lifetime expired",
		}),
		TaskErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_task_errors_total",
			Help: "Unexpected errors returned by task loops",
		}, []string{"task"}),
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exportd_control_requests_total",
			Help: "Control socket requests by command and result code",
		}, []string{"command", "code"}),
	}
}

// RegisterRuntime adds the Go runtime and process collectors.
func RegisterRuntime(registry prometheus.Registerer) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Outcome records one work item result of processor.
func (m *Metrics) Outcome(processor, outcome string) {
	m.BatchOutcomes.WithLabelValues(processor, outcome).Inc()
}
