// Swapper metrics definitions
//
// Defines the Prometheus collectors for the swapper daemon:
// - swap cycles and guard rejections
// - controller command exchanges and link state
// - motion barrier signals
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	swerrors "swapper3d-go/pkg/errors"
)

const namespace = "swapper"

// Command result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// SwapMetrics holds every collector the daemon exports. It satisfies the
// recorder interfaces of the device, barrier and swap packages.
type SwapMetrics struct {
	registry *prometheus.Registry

	SwapsTotal            *prometheus.CounterVec
	GuardRejections       *prometheus.CounterVec
	DeviceCommands        *prometheus.CounterVec
	BarrierSignals        *prometheus.CounterVec
	SwapDuration          *prometheus.HistogramVec
	DeviceCommandDuration *prometheus.HistogramVec
	DeviceConnected       prometheus.Gauge
	SwapInProgress        prometheus.Gauge
}

// NewSwapMetrics creates the collectors on a private registry. Go runtime
// and process collectors are registered alongside.
func NewSwapMetrics() *SwapMetrics {
	m := &SwapMetrics{
		registry: prometheus.NewRegistry(),
		SwapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Completed swap cycles by kind and outcome",
		}, []string{"kind", "outcome"}),
		GuardRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Swap requests refused by the admission guard",
		}, []string{"reason"}),
		DeviceCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "commands_total",
			Help:      "Commands exchanged with the controller",
		}, []string{"command", "result"}),
		BarrierSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "barrier",
			Name:      "signals_total",
			Help:      "Motion barrier resolutions by token and result",
		}, []string{"token", "result"}),
		SwapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "swap_duration_seconds",
			Help:      "Wall time from admission to stream release",
			Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 90, 120, 300},
		}, []string{"kind"}),
		DeviceCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "command_duration_seconds",
			Help:      "Round trip of a controller command until its acknowledgement",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		DeviceConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "connected",
			Help:      "Controller link state (1=connected, 0=disconnected)",
		}),
		SwapInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swap_in_progress",
			Help:      "1 while a swap cycle holds the stream",
		}),
	}

	m.registry.MustRegister(
		m.SwapsTotal, m.GuardRejections, m.DeviceCommands, m.BarrierSignals,
		m.SwapDuration, m.DeviceCommandDuration, m.DeviceConnected, m.SwapInProgress,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *SwapMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetConnected records the controller link state.
func (m *SwapMetrics) SetConnected(connected bool) {
	if connected {
		m.DeviceConnected.Set(1)
		return
	}
	m.DeviceConnected.Set(0)
}

// ObserveCommand records one controller exchange.
func (m *SwapMetrics) ObserveCommand(command string, err error, elapsed time.Duration) {
	command = commandLabel(command)
	m.DeviceCommands.WithLabelValues(command, resultLabel(err)).Inc()
	m.DeviceCommandDuration.WithLabelValues(command).Observe(elapsed.Seconds())
}

// ObserveSignal records how a barrier entry resolved.
func (m *SwapMetrics) ObserveSignal(token, result string) {
	m.BarrierSignals.WithLabelValues(token, result).Inc()
}

// SetInProgress mirrors the ownership token.
func (m *SwapMetrics) SetInProgress(inProgress bool) {
	if inProgress {
		m.SwapInProgress.Set(1)
		return
	}
	m.SwapInProgress.Set(0)
}

// GuardRejected counts a refused request.
func (m *SwapMetrics) GuardRejected(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	m.GuardRejections.WithLabelValues(reason).Inc()
}

// SwapFinished records a completed cycle.
func (m *SwapMetrics) SwapFinished(kind, outcome string, d time.Duration) {
	m.SwapsTotal.WithLabelValues(kind, outcome).Inc()
	m.SwapDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// resultLabel keeps the result label set small: ok, error or the
// taxonomy code of a HostError.
func resultLabel(err error) string {
	if err == nil {
		return ResultOK
	}
	if code := swerrors.Code(err); code != "" {
		return strings.ToLower(string(code))
	}
	return ResultError
}

// commandLabel folds numbered commands so load_insert3 and load_insert7
// share a series.
func commandLabel(command string) string {
	trimmed := strings.TrimRight(command, "0123456789")
	if trimmed == "" {
		return command
	}
	return trimmed
}
