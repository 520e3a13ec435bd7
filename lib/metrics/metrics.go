// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for the sync core.
//
// A *Metrics is optional everywhere it is accepted: every method is
// safe to call on a nil receiver, so libraries record unconditionally
// and tests that don't care pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Invocation outcomes.
const (
	ResultOK             = "ok"
	ResultRequestError   = "request_error"
	ResultTransportError = "transport_error"
)

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	stateTransitions *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	invocations      *prometheus.CounterVec
	invokeDuration   *prometheus.HistogramVec
	mergeChanges     *prometheus.CounterVec
	pages            *prometheus.CounterVec
	uploads          *prometheus.CounterVec
	openWindows      prometheus.Gauge
	unread           prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Hub connection state transitions, by hub and new state.",
		}, []string{"hub", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_reconnects_total",
			Help:      "Hub reconnect outcomes (reconnected, gave_up), by hub.",
		}, []string{"hub", "outcome"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_invocations_total",
			Help:      "Hub method invocations, by method and result.",
		}, []string{"method", "result"}),
		invokeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hub_invocation_duration_seconds",
			Help:      "Time from invocation to completion, by method.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		mergeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_changes_total",
			Help:      "Merger results, by change kind.",
		}, []string{"kind"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_pages_total",
			Help:      "History page fetches, by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads, by result.",
		}, []string{"result"}),
		openWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_conversations",
			Help:      "Conversations currently open (visible or minimized).",
		}),
		unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Sum of unread counters across conversations.",
		}),
	}
	m.registry.MustRegister(
		m.stateTransitions,
		m.reconnects,
		m.invocations,
		m.invokeDuration,
		m.mergeChanges,
		m.pages,
		m.uploads,
		m.openWindows,
		m.unread,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveState counts a transition of hub into state.
func (m *Metrics) ObserveState(hub, state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(hub, state).Inc()
}

// ObserveReconnect counts a reconnect outcome for hub.
func (m *Metrics) ObserveReconnect(hub, outcome string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(hub, outcome).Inc()
}

// ObserveInvocation counts one invocation and its latency.
func (m *Metrics) ObserveInvocation(method, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(method, result).Inc()
	m.invokeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveMerge counts one merge result.
func (m *Metrics) ObserveMerge(kind string) {
	if m == nil {
		return
	}
	m.mergeChanges.WithLabelValues(kind).Inc()
}

// ObservePage counts one history page fetch.
func (m *Metrics) ObservePage(result string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(result).Inc()
}

// ObserveUpload counts one upload.
func (m *Metrics) ObserveUpload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

// SetOpenConversations records how many conversations are open.
func (m *Metrics) SetOpenConversations(n int) {
	if m == nil {
		return
	}
	m.openWindows.Set(float64(n))
}

// SetUnread records the total unread count.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unread.Set(float64(n))
}
