// Package telemetry holds the process-wide Prometheus collectors. They
// register on the default registry; expose them by mounting Handler on
// the HTTP server.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otcdesk_quotes_issued_total",
		Help: "Quotes shown to clients, including calculator-shortcut locks.",
	})

	DealsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otcdesk_deals_completed_total",
		Help: "Deals that reached the completed state.",
	})

	DealsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otcdesk_deals_expired_total",
		Help: "Deals retired by TTL or awaiting-amount expiry.",
	})

	RemindersSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "otcdesk_amount_reminders_total",
		Help: "One-shot reminders sent to clients stuck in awaiting_amount.",
	})

	MessagesHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otcdesk_messages_handled_total",
		Help: "Inbound messages routed by the dispatcher, by intent.",
	}, []string{"intent"})

	PriceFeedRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otcdesk_price_feed_requests_total",
		Help: "Base-rate fetches by source and outcome.",
	}, []string{"source", "outcome"})

	BridgeSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otcdesk_bridge_sends_total",
		Help: "Messages pushed through the WhatsApp bridge, by outcome.",
	}, []string{"outcome"})

	PriceFeedLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "otcdesk_price_feed_latency_seconds",
		Help:    "Base-rate fetch latency by source.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		QuotesIssued,
		DealsCompleted,
		DealsExpired,
		RemindersSent,
		MessagesHandled,
		PriceFeedRequests,
		PriceFeedLatency,
		BridgeSends,
	)
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
