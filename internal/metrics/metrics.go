// Registers:
//
//	#fundingflow_runs_total
//	#fundingflow_run_duration_seconds
//	#fundingflow_source_outcomes_total{exchange,status}
//	#fundingflow_source_records{exchange}
//	#fundingflow_interval_method_total{exchange,method}
//	#fundingflow_instrument_failures_total{exchange,stage}
//	#fundingflow_history_lookups_total{exchange,result}
//	#go_* and process_* system metrics
//
// Exposed through Handler, mounted on the report server at /metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	runsTotal          prometheus.Counter
	runDuration        prometheus.Histogram
	sourceOutcomes     *prometheus.CounterVec
	sourceRecords      *prometheus.GaugeVec
	intervalMethods    *prometheus.CounterVec
	instrumentFailures *prometheus.CounterVec
	historyLookups     *prometheus.CounterVec
)

// Init creates and registers every collector. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fundingflow_runs_total",
			Help: "Number of completed aggregation runs",
		})
		runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fundingflow_run_duration_seconds",
			Help:    "Wall time of an aggregation run",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		})
		sourceOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_source_outcomes_total",
			Help: "Terminal status of each source per run",
		}, []string{"exchange", "status"})
		sourceRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fundingflow_source_records",
			Help: "Records produced by a source in the latest run",
		}, []string{"exchange"})
		intervalMethods = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_interval_method_total",
			Help: "Inference method that produced each funding interval",
		}, []string{"exchange", "method"})
		instrumentFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_instrument_failures_total",
			Help: "Instruments dropped from a run because a fetch failed",
		}, []string{"exchange", "stage"})
		historyLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fundingflow_history_lookups_total",
			Help: "Funding history lookups issued for interval inference",
		}, []string{"exchange", "result"})

		registry.MustRegister(
			runsTotal, runDuration, sourceOutcomes, sourceRecords,
			intervalMethods, instrumentFailures, historyLookups,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the registry backing Handler.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// ObserveRun records one finished aggregation run.
func ObserveRun(d time.Duration) {
	if runsTotal == nil {
		return
	}
	runsTotal.Inc()
	runDuration.Observe(d.Seconds())
}

// ObserveSource records the outcome of one source within a run.
func ObserveSource(exchange, status string, records int) {
	if sourceOutcomes == nil {
		return
	}
	sourceOutcomes.WithLabelValues(exchange, status).Inc()
	sourceRecords.WithLabelValues(exchange).Set(float64(records))
}

// ObserveIntervalMethod counts the inference method used for one record.
func ObserveIntervalMethod(exchange, method string) {
	if intervalMethods != nil {
		intervalMethods.WithLabelValues(exchange, method).Inc()
	}
}

// IncInstrumentFailure counts an instrument dropped at the given stage.
func IncInstrumentFailure(exchange, stage string) {
	if instrumentFailures != nil {
		instrumentFailures.WithLabelValues(exchange, stage).Inc()
	}
}

// ObserveHistoryLookup counts one history lookup and whether it produced an
// interval.
func ObserveHistoryLookup(exchange string, ok bool) {
	if historyLookups == nil {
		return
	}
	result := "miss"
	if ok {
		result = "hit"
	}
	historyLookups.WithLabelValues(exchange, result).Inc()
}
