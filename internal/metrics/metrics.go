package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stripe_webhook_events_total",
			Help: "Total number of Stripe webhook events by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)
	LicenseWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "license_writes_total",
			Help: "Total number of license records written by license type",
		},
		[]string{"license_type"},
	)
	PaymentFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_failures_total",
			Help: "Total number of invoice.payment_failed events received",
		},
	)
)

func Init() {
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(LicenseWritesTotal)
	prometheus.MustRegister(PaymentFailuresTotal)

	prometheus.MustRegister(prometheus.NewGoCollector())
	prometheus.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}
