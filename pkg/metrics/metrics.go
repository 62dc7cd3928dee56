// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ChannelSendsTotal counts outbound send attempts per channel.
	ChannelSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_channel_sends_total",
			Help: "Outbound send attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	// ChannelSendDuration tracks provider round-trip latency.
	ChannelSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_channel_send_duration_seconds",
			Help:    "Provider send latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// WebhooksTotal counts inbound webhooks by source and terminal status.
	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_webhooks_total",
			Help: "Inbound webhooks by source and status",
		},
		[]string{"source", "status"},
	)

	// WebhookProcessingDuration tracks webhook handling time.
	WebhookProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_webhook_processing_seconds",
			Help:    "Webhook processing time in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"source"},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_total",
			Help: "Messages persisted by channel and direction",
		},
		[]string{"channel", "direction"},
	)

	// RelayConnectionsActive tracks connected relay sockets.
	RelayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_relay_connections_active",
			Help: "Number of connected relay sockets",
		},
	)

	// RelayEventsTotal counts relayed events by type.
	RelayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_relay_events_total",
			Help: "Relay events delivered by type",
		},
		[]string{"type"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordSend records one channel send attempt.
func RecordSend(channel string, success bool, duration float64) {
	result := "failure"
	if success {
		result = "success"
	}
	ChannelSendsTotal.WithLabelValues(channel, result).Inc()
	if duration > 0 {
		ChannelSendDuration.WithLabelValues(channel).Observe(duration)
	}
}

// RecordWebhook records a webhook reaching a terminal status.
func RecordWebhook(source, status string, duration float64) {
	WebhooksTotal.WithLabelValues(source, status).Inc()
	WebhookProcessingDuration.WithLabelValues(source).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
