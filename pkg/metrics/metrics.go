// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for retiarius.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons.
const (
	ReasonFiltered      = "filtered"
	ReasonQueueFull     = "queue_full"
	ReasonNoSession     = "no_session"
	ReasonNoDestination = "no_destination"
	ReasonSendFailed    = "send_failed"
	ReasonSessionFailed = "session_failed"
)

// Session close reasons.
const (
	CloseIdle     = "idle"
	ClosePumpDead = "pump_dead"
	CloseShutdown = "shutdown"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsClosed  *prometheus.CounterVec
	SessionFailures *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Datagram metrics
	Datagrams *prometheus.CounterVec
	Bytes     *prometheus.CounterVec
	Dropped   *prometheus.CounterVec

	// Pump metrics
	PumpErrors *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter
}

// New creates the relay metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "retiarius"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of client sessions currently holding a backend socket",
			},
		),
		SessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_opened_total",
				Help:      "Total number of client sessions created",
			},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of client sessions closed",
			},
			[]string{"reason"},
		),
		SessionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_failures_total",
				Help:      "Total number of failed session creation attempts",
			},
			[]string{"error_type"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session lifetime in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),
		Datagrams: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Total number of datagrams forwarded",
			},
			[]string{"direction"},
		),
		Bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of payload bytes forwarded",
			},
			[]string{"direction"},
		),
		Dropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_datagrams_total",
				Help:      "Total number of datagrams dropped",
			},
			[]string{"direction", "reason"},
		),
		PumpErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pump_errors_total",
				Help:      "Total number of socket pump I/O errors",
			},
			[]string{"pump", "kind"},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Backend circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of backend circuit breaker trips",
			},
		),
	}
}

// ObserveForward records one forwarded datagram.
func (m *Metrics) ObserveForward(direction string, size int) {
	m.Datagrams.WithLabelValues(direction).Inc()
	m.Bytes.WithLabelValues(direction).Add(float64(size))
}

// ObserveDrop records one dropped datagram.
func (m *Metrics) ObserveDrop(direction, reason string) {
	m.Dropped.WithLabelValues(direction, reason).Inc()
}
