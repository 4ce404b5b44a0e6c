package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/activity"
)

// requestMetrics holds the gateway's Prometheus registry. Request counters
// are incremented by the handlers; relay state is read at scrape time.
type requestMetrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	webhooks        prometheus.Counter
	rateLimited     prometheus.Counter
	payloadTooLarge prometheus.Counter
}

func newRequestMetrics(gw *Gateway) *requestMetrics {
	reg := prometheus.NewRegistry()
	m := &requestMetrics{
		registry: reg,
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		webhooks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_webhook_requests_total",
			Help: "Webhook POST requests received.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		payloadTooLarge: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_payload_too_large_total",
			Help: "Webhook bodies over the size limit.",
		}),
	}
	reg.MustRegister(
		m.webhooks,
		m.rateLimited,
		m.payloadTooLarge,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The activity log owns the per-outcome counters; one CounterFunc per
	// outcome exposes them as relay_findings_total{outcome="..."}.
	for _, o := range activity.Outcomes {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "relay_findings_total",
			Help:        "Findings processed by outcome.",
			ConstLabels: prometheus.Labels{"outcome": string(o)},
		}, func() float64 { return float64(gw.activity.Counter(o)) }))
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_dedup_records",
			Help: "Findings remembered by the duplicate store.",
		}, func() float64 {
			if gw.relay == nil {
				return 0
			}
			return float64(gw.relay.Store().Len())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_sse_subscribers",
			Help: "Connected /events clients.",
		}, func() float64 { return float64(gw.broadcaster.subscribers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_uptime_seconds",
			Help: "Seconds since the gateway started.",
		}, func() float64 { return time.Since(gw.startedAt).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "relay_up",
			Help: "1 when the relay is configured and accepting webhooks.",
		}, func() float64 {
			if gw.relay == nil {
				return 0
			}
			return 1
		}),
	)
	return m
}

func (gw *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	gw.metrics.handler.ServeHTTP(w, r)
}
