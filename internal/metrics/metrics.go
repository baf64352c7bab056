package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	splitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scansplit",
			Name:      "splits_total",
			Help:      "Split requests by result (complete, partial, refused)",
		},
		[]string{"result"},
	)

	labelsExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scansplit",
			Name:      "labels_extracted_total",
			Help:      "Per-label documents by result (success, extract_failed, deliver_failed)",
		},
		[]string{"result"},
	)

	extractLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scansplit",
			Name:      "extract_duration_seconds",
			Help:      "Duration of single label extractions",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pagesSplit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "scansplit",
			Name:      "pages_split_total",
			Help:      "Total pages written into split documents",
		},
	)

	sourcesLoaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scansplit",
			Name:      "sources_loaded_total",
			Help:      "Source documents loaded by detected type and result",
		},
		[]string{"type", "result"},
	)

	previews = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scansplit",
			Name:      "previews_total",
			Help:      "Page header previews by result (rendered, stale, failed)",
		},
		[]string{"result"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scansplit",
			Name:      "active_sessions",
			Help:      "Split sessions currently held in memory",
		},
	)

	once sync.Once
)

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(splitsTotal, labelsExtracted, extractLatency, pagesSplit, sourcesLoaded, previews, activeSessions)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncSplit(result string) { splitsTotal.WithLabelValues(result).Inc() }

func ObserveLabel(result string, dur time.Duration, pages int) {
	labelsExtracted.WithLabelValues(result).Inc()
	if dur > 0 {
		extractLatency.Observe(dur.Seconds())
	}
	if result == "success" {
		pagesSplit.Add(float64(pages))
	}
}

func IncSource(kind, result string) { sourcesLoaded.WithLabelValues(kind, result).Inc() }
func IncPreview(result string)      { previews.WithLabelValues(result).Inc() }
func SetSessions(n int)             { activeSessions.Set(float64(n)) }
