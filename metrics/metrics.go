package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SublingoAPIMetrics struct {
	TaskRequestCount      *prometheus.CounterVec
	TaskResults           *prometheus.CounterVec
	TaskDurationSec       *prometheus.SummaryVec
	StageDurationSec      *prometheus.SummaryVec
	TranslationBatchSec   prometheus.Histogram
	TranslationRetryCount prometheus.Counter
	ProviderInflight      prometheus.Gauge
	TranscriptionInflight prometheus.Gauge
	RunningTasks          prometheus.Gauge
	BytesFetched          prometheus.Counter
	DownloadTokenRejected *prometheus.CounterVec
}

func NewMetrics() *SublingoAPIMetrics {
	m := &SublingoAPIMetrics{
		TaskRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "task_request_count",
			Help: "The total number of task submissions, broken up by task kind",
		}, []string{"kind"}),
		TaskResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "task_results",
			Help: "Finished tasks, broken up by task kind and outcome",
		}, []string{"kind", "outcome"}),
		TaskDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "task_duration_seconds",
			Help: "End to end task runtime in seconds, broken up by task kind and outcome",
		}, []string{"kind", "outcome"}),
		StageDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "stage_duration_seconds",
			Help: "Per-stage runtime in seconds, broken up by stage and success",
		}, []string{"stage", "success"}),
		TranslationBatchSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "translation_batch_duration_seconds",
			Help:    "Time taken to translate one batch of subtitle segments",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 90},
		}),
		TranslationRetryCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "translation_retry_count",
			Help: "The total number of re-issued translation calls for missing indices",
		}),
		ProviderInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "translation_provider_inflight",
			Help: "In-flight requests against the translation provider",
		}),
		TranscriptionInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "transcription_inflight",
			Help: "In-flight transcription requests against the speech backend",
		}),
		RunningTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "running_tasks",
			Help: "Tasks currently in the running state",
		}),
		BytesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bytes_fetched",
			Help: "Total size of downloaded source media in bytes",
		}),
		DownloadTokenRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "download_token_rejected",
			Help: "Download requests rejected, broken up by reason",
		}, []string{"reason"}),
	}

	return m
}

var Metrics = NewMetrics()
