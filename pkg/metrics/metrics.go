package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Audio capture metrics
	AudioChunksCaptured *prometheus.CounterVec
	AudioBytesCaptured  *prometheus.CounterVec
	AudioChunksDropped  *prometheus.CounterVec

	// Transcription channel metrics
	TranscriptEventsTotal *prometheus.CounterVec
	TranscriptSendDropped *prometheus.CounterVec
	ChannelReconnects     *prometheus.CounterVec
	ChannelsOpen          prometheus.Gauge

	// Transcript assembly metrics
	UtterancesCommitted *prometheus.CounterVec
	UtterancesCoalesced *prometheus.CounterVec

	// Analysis metrics
	AnalysisRequestsTotal *prometheus.CounterVec
	AnalysisLatency       *prometheus.HistogramVec
	AnalysisWindowSize    prometheus.Gauge
	RiskEventsTotal       *prometheus.CounterVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionDuration *prometheus.HistogramVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
	AMQPConnectionStatus  prometheus.Gauge
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		AudioChunksCaptured = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_audio_chunks_captured_total",
				Help: "Total number of audio chunks captured",
			},
			[]string{"source"},
		)

		AudioBytesCaptured = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_audio_bytes_captured_total",
				Help: "Total number of audio bytes captured",
			},
			[]string{"source"},
		)

		AudioChunksDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_audio_chunks_dropped_total",
				Help: "Total number of audio chunks dropped before transmission",
			},
			[]string{"source", "reason"},
		)

		TranscriptEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_transcript_events_total",
				Help: "Total number of transcript events received from the STT channel",
			},
			[]string{"channel", "finality"},
		)

		TranscriptSendDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_transcript_send_dropped_total",
				Help: "Total number of audio sends dropped because the channel was not open",
			},
			[]string{"channel"},
		)

		ChannelReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_channel_reconnects_total",
				Help: "Total number of channel reconnection attempts",
			},
			[]string{"channel", "status"},
		)

		ChannelsOpen = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_channels_open",
				Help: "Number of currently open streaming channels",
			},
		)

		UtterancesCommitted = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_utterances_committed_total",
				Help: "Total number of finalized utterances committed to the transcript",
			},
			[]string{"speaker"},
		)

		UtterancesCoalesced = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_utterances_coalesced_total",
				Help: "Total number of finals merged into a preceding same-speaker utterance",
			},
			[]string{"speaker"},
		)

		AnalysisRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_analysis_requests_total",
				Help: "Total number of analysis requests",
			},
			[]string{"kind", "status"},
		)

		AnalysisLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kaiwa_analysis_latency_seconds",
				Help:    "Latency of analysis requests",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"kind"},
		)

		AnalysisWindowSize = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_analysis_window_size",
				Help: "Current number of entries in the conversation window",
			},
		)

		RiskEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_risk_events_total",
				Help: "Total number of risk events detected by analysis",
			},
			[]string{"level"},
		)

		SessionsActive = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_sessions_active",
				Help: "Number of active sessions",
			},
		)

		SessionDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kaiwa_session_duration_seconds",
				Help:    "Duration of sessions",
				Buckets: prometheus.ExponentialBuckets(1, 2, 15),
			},
			[]string{"outcome"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kaiwa_amqp_published_messages_total",
				Help: "Total number of messages published to AMQP",
			},
			[]string{"queue", "status"},
		)

		AMQPConnectionStatus = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kaiwa_amqp_connection_status",
				Help: "Status of AMQP connection (1 = connected, 0 = disconnected)",
			},
		)

		registry.MustRegister(
			AudioChunksCaptured,
			AudioBytesCaptured,
			AudioChunksDropped,

			TranscriptEventsTotal,
			TranscriptSendDropped,
			ChannelReconnects,
			ChannelsOpen,

			UtterancesCommitted,
			UtterancesCoalesced,

			AnalysisRequestsTotal,
			AnalysisLatency,
			AnalysisWindowSize,
			RiskEventsTotal,

			SessionsActive,
			SessionDuration,

			AMQPPublishedMessages,
			AMQPConnectionStatus,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for metrics endpoint
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// SetMetricsEnabled enables or disables metrics collection
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// StartMetrics initializes the metrics service
func StartMetrics(logger *logrus.Logger, enabled bool) {
	if !enabled {
		SetMetricsEnabled(false)
		logger.Info("Metrics collection is disabled")
		return
	}

	Init(logger)
	SetMetricsEnabled(true)
	logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics endpoint initialized")
}

// RecordAudioChunk records metrics for one captured audio chunk
func RecordAudioChunk(source string, bytes int) {
	if metricsEnabled && AudioChunksCaptured != nil {
		AudioChunksCaptured.WithLabelValues(source).Inc()
		AudioBytesCaptured.WithLabelValues(source).Add(float64(bytes))
	}
}

// RecordAudioDropped records an audio chunk dropped before transmission
func RecordAudioDropped(source, reason string) {
	if metricsEnabled && AudioChunksDropped != nil {
		AudioChunksDropped.WithLabelValues(source, reason).Inc()
	}
}

// RecordTranscriptEvent records one transcript event by finality
func RecordTranscriptEvent(channel string, isFinal bool) {
	if metricsEnabled && TranscriptEventsTotal != nil {
		finality := "interim"
		if isFinal {
			finality = "final"
		}
		TranscriptEventsTotal.WithLabelValues(channel, finality).Inc()
	}
}

// IncChannelsOpen increments the open channel gauge
func IncChannelsOpen() {
	if metricsEnabled && ChannelsOpen != nil {
		ChannelsOpen.Inc()
	}
}

// DecChannelsOpen decrements the open channel gauge
func DecChannelsOpen() {
	if metricsEnabled && ChannelsOpen != nil {
		ChannelsOpen.Dec()
	}
}

// SetAnalysisWindowSize sets the conversation window size gauge
func SetAnalysisWindowSize(n int) {
	if metricsEnabled && AnalysisWindowSize != nil {
		AnalysisWindowSize.Set(float64(n))
	}
}

// RecordSendDropped records an audio send dropped on a closed channel
func RecordSendDropped(channel string) {
	if metricsEnabled && TranscriptSendDropped != nil {
		TranscriptSendDropped.WithLabelValues(channel).Inc()
	}
}

// RecordChannelReconnect records a channel reconnection attempt
func RecordChannelReconnect(channel, status string) {
	if metricsEnabled && ChannelReconnects != nil {
		ChannelReconnects.WithLabelValues(channel, status).Inc()
	}
}

// RecordUtteranceCommitted records one committed utterance
func RecordUtteranceCommitted(speaker string, coalesced bool) {
	if metricsEnabled && UtterancesCommitted != nil {
		UtterancesCommitted.WithLabelValues(speaker).Inc()
		if coalesced {
			UtterancesCoalesced.WithLabelValues(speaker).Inc()
		}
	}
}

// RecordAnalysisRequest records the outcome of an analysis request
func RecordAnalysisRequest(kind, status string) {
	if metricsEnabled && AnalysisRequestsTotal != nil {
		AnalysisRequestsTotal.WithLabelValues(kind, status).Inc()
	}
}

// ObserveAnalysisLatency returns a timer function recording analysis latency
func ObserveAnalysisLatency(kind string) func() {
	if !metricsEnabled || AnalysisLatency == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		AnalysisLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}

// RecordRiskEvent records a detected risk event by level
func RecordRiskEvent(level string) {
	if metricsEnabled && RiskEventsTotal != nil {
		RiskEventsTotal.WithLabelValues(level).Inc()
	}
}

// StartSessionTimer returns a function that records the session duration when called
func StartSessionTimer() func(outcome string) {
	if !metricsEnabled || SessionsActive == nil {
		return func(string) {}
	}

	SessionsActive.Inc()
	start := time.Now()
	return func(outcome string) {
		SessionsActive.Dec()
		if SessionDuration != nil {
			SessionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		}
	}
}

// RecordAMQPPublish records metrics for an AMQP publish
func RecordAMQPPublish(queue, status string) {
	if metricsEnabled && AMQPPublishedMessages != nil {
		AMQPPublishedMessages.WithLabelValues(queue, status).Inc()
	}
}

// SetAMQPConnectionStatus sets the AMQP connection status
func SetAMQPConnectionStatus(connected bool) {
	if metricsEnabled && AMQPConnectionStatus != nil {
		if connected {
			AMQPConnectionStatus.Set(1)
		} else {
			AMQPConnectionStatus.Set(0)
		}
	}
}
