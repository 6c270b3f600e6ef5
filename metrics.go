package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// gatewayMetrics exposes the pool's operational counters on /metrics.
type gatewayMetrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnRetries     prometheus.Counter
	accountSwitches prometheus.Counter
	sessionsCreated prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

func newGatewayMetrics(pool *accountPool, cache *sessionCache) *gatewayMetrics {
	reg := prometheus.NewRegistry()
	m := &gatewayMetrics{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_turns_total",
			Help: "Chat turns served, by outcome.",
		}, []string{"outcome"}),
		turnRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_turn_retries_total",
			Help: "Retriable failures that triggered another attempt.",
		}),
		accountSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_account_switches_total",
			Help: "Mid-turn account failovers.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_upstream_sessions_created_total",
			Help: "Upstream sessions minted.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_cache_hits_total",
			Help: "Turns that reused a cached session binding.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_session_cache_misses_total",
			Help: "Turns that needed a new upstream session.",
		}),
	}
	reg.MustRegister(m.turnsTotal, m.turnRetries, m.accountSwitches, m.sessionsCreated, m.cacheHits, m.cacheMisses)
	reg.MustRegister(collectors.NewGoCollector())

	if pool != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_pool_accounts",
			Help: "Accounts registered in the pool.",
		}, func() float64 { return float64(pool.count()) }))
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_pool_accounts_eligible",
			Help: "Accounts currently eligible for selection.",
		}, func() float64 { return float64(pool.eligibleCount()) }))
	}
	if cache != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_session_cache_entries",
			Help: "Live conversation session bindings.",
		}, func() float64 { return float64(cache.len()) }))
	}
	return m
}

func (m *gatewayMetrics) turnFinished(outcome string) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

func (m *gatewayMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
