package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entityx"

// Metrics holds every collector the pipeline and query path report to.
type Metrics struct {
	Registry *prometheus.Registry

	LabelsIngested      *prometheus.CounterVec
	LabelSourceFailures *prometheus.CounterVec

	ClusterRunDuration prometheus.Histogram
	ClusterEdges       *prometheus.CounterVec
	ClusterChanges     *prometheus.CounterVec
	ClusterConflicts   prometheus.Counter

	ScoresWritten *prometheus.CounterVec
	FactsWritten  prometheus.Counter

	AlertEvents      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec

	ResolutionRequests *prometheus.CounterVec
	ResolutionLatency  prometheus.Histogram

	IngestRecords *prometheus.CounterVec
	UnitsSkipped  *prometheus.CounterVec
}

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		LabelsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "labels_ingested_total", Help: "Raw labels processed per source and outcome.",
		}, []string{"source", "outcome"}),
		LabelSourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "label_source_failures_total", Help: "Label source fetches that failed after retries.",
		}, []string{"source"}),

		ClusterRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cluster_run_duration_seconds", Help: "Duration of incremental clustering runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ClusterEdges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cluster_edges_total", Help: "Heuristic edges extracted, by kind and whether they were applied.",
		}, []string{"kind", "applied"}),
		ClusterChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cluster_id_changes_total", Help: "Cluster identifiers superseded, by reason.",
		}, []string{"reason"}),
		ClusterConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cluster_conflicts_total", Help: "Concurrent membership writes detected during reduce.",
		}),

		ScoresWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "label_scores_written_total", Help: "Label scores written, by subject type and tier.",
		}, []string{"subject_type", "tier"}),
		FactsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_facts_written_total", Help: "Alert facts appended.",
		}),

		AlertEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_events_total", Help: "Rule matches, by outcome.",
		}, []string{"outcome"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_deliveries_total", Help: "Channel deliveries, by channel kind and status.",
		}, []string{"channel", "status"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_delivery_failures_total", Help: "Alert events that ended failed.",
		}, []string{"channel"}),

		ResolutionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resolution_requests_total", Help: "Address resolutions, by outcome.",
		}, []string{"outcome"}),
		ResolutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "resolution_latency_seconds", Help: "Single address resolution latency.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		IngestRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingest_records_total", Help: "Transaction feed records, by outcome.",
		}, []string{"outcome"}),
		UnitsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "units_skipped_total", Help: "Units of work skipped after exhausting retries.",
		}, []string{"job"}),
	}
}

// Nop returns metrics bound to a private registry, for tests and tools.
func Nop() *Metrics {
	return New(nil)
}
