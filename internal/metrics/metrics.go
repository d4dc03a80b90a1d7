package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attnprobe_steps_completed_total",
		Help: "Total number of sampling steps instrumented",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attnprobe_step_duration_seconds",
		Help:    "Duration of one sampling step including capture and writes",
		Buckets: prometheus.DefBuckets,
	})

	ShapeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attnprobe_shape_errors_total",
		Help: "Total number of recoverable capture shape errors",
	}, []string{"attention_type"})

	AttentionMapsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attnprobe_attention_maps_recorded_total",
		Help: "Total number of per-layer attention maps captured",
	}, []string{"attention_type"})

	AttentionBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attnprobe_attention_bytes_written_total",
		Help: "Total bytes of attention blobs written to disk",
	})

	ImagesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attnprobe_images_written_total",
		Help: "Total number of per-step images written",
	})

	ExportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attnprobe_export_duration_seconds",
		Help:    "Duration of the final document export and validation",
		Buckets: prometheus.DefBuckets,
	})

	DatasetSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attnprobe_dataset_size_bytes",
		Help: "Size of the most recently exported dataset",
	})

	ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attnprobe_validation_failures_total",
		Help: "Total number of post-export validation errors",
	}, []string{"check"})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attnprobe_runs_completed_total",
		Help: "Total number of dataset runs by outcome",
	}, []string{"outcome"})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attnprobe_jobs_running",
		Help: "Number of generation jobs currently running",
	})
)

func RecordStep(d time.Duration) {
	StepsCompleted.Inc()
	StepDuration.Observe(d.Seconds())
}

func RecordShapeErrors(attentionType string, count int) {
	if count > 0 {
		ShapeErrors.WithLabelValues(attentionType).Add(float64(count))
	}
}

func RecordAttentionMap(attentionType string, bytes int) {
	AttentionMapsRecorded.WithLabelValues(attentionType).Inc()
	AttentionBytesWritten.Add(float64(bytes))
}

func RecordImage() {
	ImagesWritten.Inc()
}

func RecordExport(d time.Duration, sizeBytes int64) {
	ExportDuration.Observe(d.Seconds())
	DatasetSizeBytes.Set(float64(sizeBytes))
}

func RecordValidationFailure(check string) {
	ValidationFailures.WithLabelValues(check).Inc()
}

func RecordRunOutcome(outcome string) {
	RunsCompleted.WithLabelValues(outcome).Inc()
}

func JobStarted() {
	JobsRunning.Inc()
}

func JobFinished() {
	JobsRunning.Dec()
}
