package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_query_duration_seconds",
			Help:    "Query processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"cache_hit"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	RetrievalCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docqa_retrieval_candidates",
			Help:    "Candidates returned per query by each index",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"index"},
	)

	SourcesReturned = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_sources_returned",
			Help:    "Sources surviving the relevance filter per answered query",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		},
	)

	AnalyzerConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_analyzer_confidence",
			Help:    "Rule-based query analyzer confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	VerificationVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_verification_verdicts_total",
			Help: "LLM relevance verification outcomes",
		},
		[]string{"verdict"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_documents_ingested_total",
			Help: "Total documents ingested",
		},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_chunks_indexed_total",
			Help: "Total chunks written to the indexes",
		},
	)

	DocumentsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_documents_deleted_total",
			Help: "Total documents deleted",
		},
	)
)

func Init() {
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(RetrievalCandidates)
	prometheus.MustRegister(SourcesReturned)
	prometheus.MustRegister(AnalyzerConfidence)
	prometheus.MustRegister(VerificationVerdicts)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(DocumentsIngested)
	prometheus.MustRegister(ChunksIndexed)
	prometheus.MustRegister(DocumentsDeleted)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
