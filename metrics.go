package brook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brookhq/brook/internal/metrics"
)

const (
	streamLabel = "stream"
	nameLabel   = "subscription_name"
)

var (
	subscriptionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "state",
		Help:      "Current state of the subscription (0=initial 1=catching_up 2=subscribed 3=max_capacity 4=unsubscribed)",
	}, []string{streamLabel, nameLabel})

	subscriptionBuffer = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "pending_events",
		Help:      "Number of buffered unacknowledged events per subscription",
	}, []string{streamLabel, nameLabel})

	subscriptionDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "delivered_total",
		Help:      "Total number of events forwarded to subscribers",
	}, []string{streamLabel, nameLabel})

	subscriptionAcked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "acks_total",
		Help:      "Total number of acknowledgements processed",
	}, []string{streamLabel, nameLabel})

	subscriptionRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "restarts_total",
		Help:      "Total number of supervised subscription restarts",
	}, []string{streamLabel, nameLabel})

	catchUpPages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "catchup",
		Name:      "pages_total",
		Help:      "Total number of catch-up pages read",
	}, []string{streamLabel, nameLabel})

	lockWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "subscription",
		Name:      "lock_waits_total",
		Help:      "Total number of advisory lock poll retries",
	}, []string{streamLabel, nameLabel})

	broadcastRanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "broker",
		Name:      "ranges_total",
		Help:      "Total number of notification ranges fanned out",
	})

	broadcastEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "broker",
		Name:      "events_total",
		Help:      "Total number of events published on the topic bus",
	})

	handlerLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brook",
		Subsystem: "handler",
		Name:      "lag_seconds",
		Help:      "Lag between now and the newest handled event timestamp in seconds",
	}, []string{nameLabel})

	handlerLagAlert = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "brook",
		Subsystem: "handler",
		Name:      "lag_alert",
		Help:      "Whether or not the handler lag crosses its alert threshold",
	}, []string{nameLabel})

	handlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "handler",
		Name:      "errors_total",
		Help:      "Total number of errors returned by handler functions",
	}, []string{nameLabel})

	handlerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "brook",
		Subsystem: "handler",
		Name:      "latency_seconds",
		Help:      "Time spent handling a delivered batch",
	}, []string{nameLabel})

	handlerActivityGauge = metrics.NewActivityGauge(
		prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "brook",
			Subsystem: "handler",
			Name:      "active",
			Help: "Whether or not the handler processed a batch " +
				"in the activity ttl period",
		}, []string{nameLabel}))
)

func handlerLabels(name string) prometheus.Labels {
	return prometheus.Labels{nameLabel: name}
}

// registerActivity registers a handler with the activity gauge, returning
// the key used to record activity.
func registerActivity(name string, ttl time.Duration) string {
	return handlerActivityGauge.Register(handlerLabels(name), ttl)
}

func init() {
	prometheus.MustRegister(subscriptionState)
	prometheus.MustRegister(subscriptionBuffer)
	prometheus.MustRegister(subscriptionDelivered)
	prometheus.MustRegister(subscriptionAcked)
	prometheus.MustRegister(subscriptionRestarts)
	prometheus.MustRegister(catchUpPages)
	prometheus.MustRegister(lockWaits)
	prometheus.MustRegister(broadcastRanges)
	prometheus.MustRegister(broadcastEvents)
	prometheus.MustRegister(handlerLag)
	prometheus.MustRegister(handlerLagAlert)
	prometheus.MustRegister(handlerErrors)
	prometheus.MustRegister(handlerLatency)
	prometheus.MustRegister(handlerActivityGauge)
}
