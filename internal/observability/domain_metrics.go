package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckpipe_pipeline_runs_total",
			Help: "Total number of pipeline runs by status.",
		},
		[]string{"status"},
	)
	pipelineStepDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckpipe_pipeline_step_duration_seconds",
			Help:    "Pipeline step latency by step name.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
		[]string{"step"},
	)
	objectsStagedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckpipe_source_objects_staged_total",
			Help: "Total number of source objects staged into the cluster work directory.",
		},
	)
	bytesStagedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckpipe_source_bytes_staged_total",
			Help: "Total source bytes staged into the cluster work directory.",
		},
	)
	rowsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckpipe_rows_written_total",
			Help: "Total number of result rows written as parquet.",
		},
	)
	filesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckpipe_files_written_total",
			Help: "Total number of parquet part files written.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineStepDurationSeconds,
		objectsStagedTotal,
		bytesStagedTotal,
		rowsWrittenTotal,
		filesWrittenTotal,
	)
}

func ObservePipelineRun(status string) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

func ObserveStep(step string, elapsed time.Duration) {
	pipelineStepDurationSeconds.WithLabelValues(step).Observe(elapsed.Seconds())
}

func ObserveStaged(objects int, bytes int64) {
	if objects > 0 {
		objectsStagedTotal.Add(float64(objects))
	}
	if bytes > 0 {
		bytesStagedTotal.Add(float64(bytes))
	}
}

func ObserveExport(rows int64, files int) {
	if rows > 0 {
		rowsWrittenTotal.Add(float64(rows))
	}
	if files > 0 {
		filesWrittenTotal.Add(float64(files))
	}
}
