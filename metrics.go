package kstream

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters a Stream reports, per spec §6.1 domain
// stack. Callers construct one with NewMetrics and register it with
// their own prometheus.Registerer; kstream never registers globally on
// a caller's behalf.
type Metrics struct {
	inboxDelivered prometheus.Counter
	sendAttempts   prometheus.Counter
	sendFailures   prometheus.Counter
	socketReconnects prometheus.Counter
	tailHoleRepairs  prometheus.Counter
}

// NewMetrics builds a Metrics with the given label constraints (e.g.
// {"address": addr}) and registers its collectors with reg.
func NewMetrics(reg prometheus.Registerer, constLabels prometheus.Labels) (*Metrics, error) {
	m := &Metrics{
		inboxDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kstream",
			Name:        "inbox_delivered_total",
			Help:        "Transactions successfully handed to onTransaction.",
			ConstLabels: constLabels,
		}),
		sendAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kstream",
			Name:        "outbox_send_attempts_total",
			Help:        "Outbox head entries run through the send algorithm, counted once per entry however many POSTs and resolver rounds it took.",
			ConstLabels: constLabels,
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kstream",
			Name:        "outbox_send_failures_total",
			Help:        "Outbox sends that ended in a non-fatal error and were handed to onSendFailure.",
			ConstLabels: constLabels,
		}),
		socketReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kstream",
			Name:        "socket_reconnects_total",
			Help:        "Successful websocket (re)connects, including the first.",
			ConstLabels: constLabels,
		}),
		tailHoleRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kstream",
			Name:        "tail_hole_repairs_total",
			Help:        "Tail holes detected and repaired by the stream assembler.",
			ConstLabels: constLabels,
		}),
	}
	for _, c := range []prometheus.Collector{m.inboxDelivered, m.sendAttempts, m.sendFailures, m.socketReconnects, m.tailHoleRepairs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
