package metrics

import (
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"p2pmarket/core/events"
)

// MarketMetrics tracks marketplace activity derived from committed events and
// failed operations.
type MarketMetrics struct {
	events          *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	settledVolume   *prometheus.CounterVec
	slashed         prometheus.Counter
	reassignments   prometheus.Counter
	orderStatus     *prometheus.GaugeVec
	paused          prometheus.Gauge
	failures        *prometheus.CounterVec
	fatalInvariants prometheus.Counter
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process wide marketplace metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_events_total",
				Help: "Count of committed marketplace events by type.",
			}, []string{"type"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settlements_total",
				Help: "Count of escrow settlements by trigger and event type.",
			}, []string{"trigger", "outcome"}),
			settledVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_settled_amount_total",
				Help: "Sum of settlement token base units paid out by recipient class.",
			}, []string{"recipient"}),
			slashed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_stake_slashed_total",
				Help: "Sum of staking token base units slashed from arbitrators.",
			}),
			reassignments: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_dispute_reassignments_total",
				Help: "Number of stale disputes handed to a new arbitrator.",
			}),
			orderStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "market_orders",
				Help: "Current number of orders in each lifecycle status.",
			}, []string{"status"}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "market_paused",
				Help: "Set to 1 while the marketplace rejects mutations.",
			}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "market_operation_failures_total",
				Help: "Count of rejected marketplace operations by operation and error category.",
			}, []string{"operation", "category"}),
			fatalInvariants: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "market_fatal_invariant_total",
				Help: "Count of invariant violations that require operator attention.",
			}),
		}
		prometheus.MustRegister(
			marketRegistry.events,
			marketRegistry.settlements,
			marketRegistry.settledVolume,
			marketRegistry.slashed,
			marketRegistry.reassignments,
			marketRegistry.orderStatus,
			marketRegistry.paused,
			marketRegistry.failures,
			marketRegistry.fatalInvariants,
		)
	})
	return marketRegistry
}

// SetOrderStatusCounts replaces the order status gauges with the supplied
// snapshot.
func (m *MarketMetrics) SetOrderStatusCounts(counts map[string]uint64) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.orderStatus.WithLabelValues(strings.ToLower(strings.TrimSpace(status))).Set(float64(count))
	}
}

// SetPaused records the pause flag.
func (m *MarketMetrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
		return
	}
	m.paused.Set(0)
}

// ObserveFailure counts a rejected operation. Fatal failures additionally bump
// the invariant counter.
func (m *MarketMetrics) ObserveFailure(operation, category string, fatal bool) {
	if m == nil {
		return
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "unknown"
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = "unknown"
	}
	m.failures.WithLabelValues(operation, category).Inc()
	if fatal {
		m.fatalInvariants.Inc()
	}
}

// Emit implements events.Emitter so the registry can sit next to the journal
// behind an events.MultiEmitter.
func (m *MarketMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	m.events.WithLabelValues(payload.Type).Inc()
	switch payload.Type {
	case "market.order.completed", "market.order.refunded":
		trigger := payload.Attr("trigger")
		if trigger == "" {
			trigger = "unknown"
		}
		outcome := strings.TrimPrefix(payload.Type, "market.order.")
		m.settlements.WithLabelValues(trigger, outcome).Inc()
		m.addVolume("seller", payload.Attr("sellerAmount"))
		m.addVolume("buyer", payload.Attr("buyerAmount"))
		m.addVolume("commission", payload.Attr("commission"))
		m.addVolume("arbitrator", payload.Attr("reward"))
	case "market.dispute.challenged":
		if value, ok := parseAmount(payload.Attr("slashed")); ok {
			m.slashed.Add(value)
		}
	case "market.dispute.reassigned":
		m.reassignments.Inc()
	case "market.paused":
		m.paused.Set(1)
	case "market.unpaused":
		m.paused.Set(0)
	}
}

func (m *MarketMetrics) addVolume(recipient, raw string) {
	value, ok := parseAmount(raw)
	if !ok || value == 0 {
		return
	}
	m.settledVolume.WithLabelValues(recipient).Add(value)
}

func parseAmount(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}
