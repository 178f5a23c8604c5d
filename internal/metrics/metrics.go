package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadrecall_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Slack metrics
	SlackMessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_slack_messages_ingested_total",
			Help: "Total number of chat messages ingested",
		},
		[]string{"channel", "status"},
	)

	SlackMentions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threadrecall_slack_mentions_total",
			Help: "Total number of bot mentions received",
		},
	)

	RepliesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_replies_sent_total",
			Help: "Total number of replies posted to chat",
		},
		[]string{"reason"},
	)

	// Docs webhook metrics
	DocsWebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_docs_webhooks_received_total",
			Help: "Total number of documentation webhooks received",
		},
		[]string{"status"},
	)

	// Pipeline metrics
	PipelineUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_pipeline_units_total",
			Help: "Units seen by the embedding pipeline",
		},
		[]string{"kind", "outcome"},
	)

	PipelineRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadrecall_pipeline_run_duration_seconds",
			Help:    "Duration of full embedding pipeline runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	// Model metrics
	OpenAIAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_openai_api_calls_total",
			Help: "Total number of OpenAI API calls",
		},
		[]string{"operation", "status"},
	)

	OpenAIAPICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadrecall_openai_api_call_duration_seconds",
			Help:    "Duration of OpenAI API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	GenerationCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_generation_cost_dollars_total",
			Help: "Estimated model spend in dollars",
		},
		[]string{"operation"},
	)

	// Retrieval metrics
	RetrievalQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_retrieval_queries_total",
			Help: "Total number of retrieval queries",
		},
		[]string{"status"},
	)

	RetrievalDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadrecall_retrieval_duration_seconds",
			Help:    "Duration of retrieval and reply generation in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database metrics
	DatabaseOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadrecall_database_operations_total",
			Help: "Total number of database operations",
		},
		[]string{"operation", "status"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadrecall_database_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Application metrics
	ConversationsIndexed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threadrecall_conversations_indexed",
			Help: "Number of conversations seen in the last pipeline run, per channel",
		},
		[]string{"channel_id"},
	)
)

// AllChannels labels pipeline runs that span every channel.
const AllChannels = "all"
