// Package metrics exposes Prometheus instrumentation for the query pipeline.
// All metrics are global package-level collectors registered eagerly; label
// cardinality is bounded (tier names, rejection reasons, fixed stage names).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// Admission
	admissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_admission_rejections_total",
		Help: "Requests rejected by the admission gate, by reason",
	}, []string{"reason"}) // rate_limit, global_rate_limit, ban, challenge, cost_throttle
	admissionFailOpen = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_admission_fail_open_total",
		Help: "Admission checks that failed open due to KV store errors",
	})
	bansApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_bans_applied_total",
		Help: "Progressive bans applied, keyed on IP",
	})

	// Cache hierarchy
	cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_cache_hits_total",
		Help: "Cache hits by tier",
	}, []string{"tier"}) // intent, faq, exact, semantic
	cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_cache_misses_total",
		Help: "Cache misses by tier",
	}, []string{"tier"})

	// Retrieval
	retrievalLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kh_retrieval_seconds",
		Help:    "Latency of retrieval stages",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"}) // dense, sparse, rerank, total
	retrievalEmpty = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_retrieval_empty_total",
		Help: "Queries for which hybrid retrieval returned no documents",
	})

	// Generation
	generationTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_generation_tokens_total",
		Help: "LLM tokens consumed, by direction",
	}, []string{"direction"}) // input, output
	generationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_generation_errors_total",
		Help: "Generation attempts that ended in a streamed error event",
	})
	queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_queries_total",
		Help: "Completed queries by answer origin",
	}, []string{"origin"}) // generated, intent, faq, exact, semantic, no_match, error

	// Spend
	spendReservedUSD = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_spend_reserved_usd_total",
		Help: "Total USD reserved by spend pre-flight checks",
	})
	spendActualUSD = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kh_spend_actual_usd_total",
		Help: "Total actual USD recorded after generation",
	})
	spendRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_spend_rejections_total",
		Help: "Spend pre-flight rejections by window",
	}, []string{"window"}) // daily, hourly
	spendAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kh_spend_alerts_total",
		Help: "Spend alert threshold crossings",
	}, []string{"threshold"})
)

func init() {
	prometheus.MustRegister(
		admissionRejections, admissionFailOpen, bansApplied,
		cacheHits, cacheMisses,
		retrievalLatency, retrievalEmpty,
		generationTokens, generationErrors, queriesTotal,
		spendReservedUSD, spendActualUSD, spendRejections, spendAlerts,
	)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// AdmissionRejected records a gate rejection.
func AdmissionRejected(reason string) { admissionRejections.WithLabelValues(reason).Inc() }

// AdmissionFailOpen records a fail-open admission decision.
func AdmissionFailOpen() { admissionFailOpen.Inc() }

// BanApplied records a progressive ban.
func BanApplied() { bansApplied.Inc() }

// CacheHit records a hit on the named tier.
func CacheHit(tier string) { cacheHits.WithLabelValues(tier).Inc() }

// CacheMiss records a miss on the named tier.
func CacheMiss(tier string) { cacheMisses.WithLabelValues(tier).Inc() }

// ObserveRetrieval records a retrieval stage duration in seconds.
func ObserveRetrieval(stage string, seconds float64) {
	retrievalLatency.WithLabelValues(stage).Observe(seconds)
}

// RetrievalEmpty records a query with no retrievable context.
func RetrievalEmpty() { retrievalEmpty.Inc() }

// GenerationTokens records consumed tokens.
func GenerationTokens(input, output int) {
	generationTokens.WithLabelValues("input").Add(float64(input))
	generationTokens.WithLabelValues("output").Add(float64(output))
}

// GenerationError records a streamed error event.
func GenerationError() { generationErrors.Inc() }

// QueryCompleted records a finished query by answer origin.
func QueryCompleted(origin string) { queriesTotal.WithLabelValues(origin).Inc() }

// SpendReserved records USD reserved pre-flight.
func SpendReserved(usd float64) {
	if usd > 0 {
		spendReservedUSD.Add(usd)
	}
}

// SpendActual records actual USD after generation.
func SpendActual(usd float64) {
	if usd > 0 {
		spendActualUSD.Add(usd)
	}
}

// SpendRejected records a pre-flight rejection for the given window.
func SpendRejected(window string) { spendRejections.WithLabelValues(window).Inc() }

// SpendAlert records an alert threshold crossing ("0.80" style label).
func SpendAlert(threshold string) { spendAlerts.WithLabelValues(threshold).Inc() }
