// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"leased/services/dhcpd/internal/lease"
)

const namespace = "dhcpd"

// Drop reasons.
const (
	DropMalformed   = "malformed"
	DropUnsupported = "unsupported"
	DropExhausted   = "pool_exhausted"
	DropEncoding    = "encoding"
	DropSend        = "send"
)

// Metrics records protocol and lease activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	received *prometheus.CounterVec
	replies  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	events   *prometheus.CounterVec
}

// New registers the protocol and lease event counters with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "DHCP messages received, by message type.",
		}, []string{"type"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "DHCP replies produced, by message type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchanges_dropped_total",
			Help:      "Exchanges that ended without a reply, by reason.",
		}, []string{"reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_events_total",
			Help:      "Lease state transitions, by kind.",
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.received, m.replies, m.dropped, m.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RegisterPoolGauges exports the inventory sizes reported by stats, usually
// (*lease.Manager).Stats.
func RegisterPoolGauges(reg prometheus.Registerer, stats func() lease.Stats) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "leases_active",
			Help:      "Leases currently held in the lease table.",
		}, func() float64 { return float64(stats().Active) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_available_addresses",
			Help:      "Addresses waiting in the pool.",
		}, func() float64 { return float64(stats().Available) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size_addresses",
			Help:      "Host addresses computed for the subnet.",
		}, func() float64 { return float64(stats().PoolSize) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Replied(msgType string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// LeaseEvent implements lease.Observer.
func (m *Metrics) LeaseEvent(evt lease.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(evt.Kind)).Inc()
}
