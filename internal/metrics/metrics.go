package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the monitor.
type Metrics struct {
	SamplesTotal     prometheus.Counter
	PredictionsTotal prometheus.Counter
	PersistErrors    prometheus.Counter
	WALErrors        prometheus.Counter
	RetrainTotal     prometheus.Counter

	InterventionsByTrigger *prometheus.CounterVec
	BatchesByOutcome       *prometheus.CounterVec

	BlendWeight       prometheus.Gauge
	PredictedCapacity prometheus.Gauge
	PredictionSpread  prometheus.Histogram
	PersistLatency    prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SamplesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sorbent_samples_total",
			Help: "Total number of sensor samples ingested",
		}),
		PredictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sorbent_predictions_total",
			Help: "Total number of capacity predictions emitted",
		}),
		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sorbent_persist_errors_total",
			Help: "Number of persistence writes that exhausted retries",
		}),
		WALErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sorbent_wal_errors_total",
			Help: "Number of sample WAL write errors",
		}),
		RetrainTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "sorbent_retrain_total",
			Help: "Number of empirical estimator retrains",
		}),
		InterventionsByTrigger: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sorbent_interventions_total",
				Help: "Number of intervention decisions issued per trigger class",
			},
			[]string{"trigger"},
		),
		BatchesByOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sorbent_batches_total",
				Help: "Number of batches finished per terminal state",
			},
			[]string{"state"},
		),
		BlendWeight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sorbent_blend_weight",
			Help: "Current empirical/synthetic blend weight",
		}),
		PredictedCapacity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "sorbent_predicted_capacity_mmol_g",
			Help: "Latest predicted terminal capacity",
		}),
		PredictionSpread: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sorbent_prediction_spread",
			Help:    "Ensemble spread behind each prediction (1 - confidence)",
			Buckets: prometheus.LinearBuckets(0, 0.1, 10),
		}),
		PersistLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "sorbent_persist_latency_seconds",
			Help:    "Latency of tick persistence writes",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
