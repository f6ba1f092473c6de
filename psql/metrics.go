package psql

import "github.com/prometheus/client_golang/prometheus"

var (
	appendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "events_table",
		Name:      "appends_total",
		Help:      "Total number of events appended per table",
	}, []string{"table"})

	readCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "events_table",
		Name:      "reads_total",
		Help:      "Total number of forward read queries performed per table",
	}, []string{"table"})

	rcacheHitsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "events_table",
		Name:      "rcache_hits_total",
		Help:      "Total number of read-through cache hits per table",
	}, []string{"table"})

	rcacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "events_table",
		Name:      "rcache_misses_total",
		Help:      "Total number of read-through cache misses per table",
	}, []string{"table"})

	ackSetCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "subscriptions_table",
		Name:      "ack_sets_total",
		Help:      "Total number of ack cursor writes performed per table",
	}, []string{"table"})

	listenerNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "listener",
		Name:      "notifications_total",
		Help:      "Total number of append notifications received",
	})

	listenerReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "brook",
		Subsystem: "listener",
		Name:      "reconnects_total",
		Help:      "Total number of listener reconnects",
	})
)

func makeAckCounter(table string) func() {
	return ackSetCounter.WithLabelValues(table).Inc
}

func init() {
	prometheus.MustRegister(appendCounter)
	prometheus.MustRegister(readCounter)
	prometheus.MustRegister(rcacheHitsCounter)
	prometheus.MustRegister(rcacheMissCounter)
	prometheus.MustRegister(ackSetCounter)
	prometheus.MustRegister(listenerNotifications)
	prometheus.MustRegister(listenerReconnects)
}
