// Unit tests for swapper metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"swapper3d-go/pkg/barrier"
	"swapper3d-go/pkg/device"
	swerrors "swapper3d-go/pkg/errors"
	"swapper3d-go/pkg/swap"
)

var (
	_ device.Recorder  = (*SwapMetrics)(nil)
	_ barrier.Recorder = (*SwapMetrics)(nil)
	_ swap.Recorder    = (*SwapMetrics)(nil)
)

func TestSwapFinishedCountsByKindAndOutcome(t *testing.T) {
	sm := NewSwapMetrics()
	sm.SwapFinished("swap", "ok", 30*time.Second)
	sm.SwapFinished("swap", "ok", 40*time.Second)
	sm.SwapFinished("unload", "degraded", 10*time.Second)

	if v := testutil.ToFloat64(sm.SwapsTotal.WithLabelValues("swap", "ok")); v != 2 {
		t.Errorf("swap/ok = %v, want 2", v)
	}
	if v := testutil.ToFloat64(sm.SwapsTotal.WithLabelValues("unload", "degraded")); v != 1 {
		t.Errorf("unload/degraded = %v, want 1", v)
	}
	if n := testutil.CollectAndCount(sm.SwapDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestGaugesFollowState(t *testing.T) {
	sm := NewSwapMetrics()

	sm.SetConnected(true)
	sm.SetInProgress(true)
	if testutil.ToFloat64(sm.DeviceConnected) != 1 || testutil.ToFloat64(sm.SwapInProgress) != 1 {
		t.Fatal("gauges should be set")
	}
	sm.SetConnected(false)
	sm.SetInProgress(false)
	if testutil.ToFloat64(sm.DeviceConnected) != 0 || testutil.ToFloat64(sm.SwapInProgress) != 0 {
		t.Fatal("gauges should be cleared")
	}
}

func TestObserveCommandLabels(t *testing.T) {
	sm := NewSwapMetrics()
	sm.ObserveCommand("load_insert3", nil, 20*time.Millisecond)
	sm.ObserveCommand("load_insert7", nil, 20*time.Millisecond)
	sm.ObserveCommand("cutter_cut", swerrors.ParityExhausted("cutter_cut", 3), time.Second)
	sm.ObserveCommand("cutter_open", errors.New("boom"), time.Second)

	tests := []struct {
		command, result string
		want            float64
	}{
		{"load_insert", ResultOK, 2},
		{"cutter_cut", "parity_mismatch", 1},
		{"cutter_open", ResultError, 1},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(sm.DeviceCommands.WithLabelValues(tt.command, tt.result))
		if got != tt.want {
			t.Errorf("%s/%s = %v, want %v", tt.command, tt.result, got, tt.want)
		}
	}
}

func TestGuardAndBarrierCounters(t *testing.T) {
	sm := NewSwapMetrics()
	sm.GuardRejected("same_insert")
	sm.GuardRejected("")
	sm.ObserveSignal("readyforswap", barrier.ResultSignaled)
	sm.ObserveSignal("readyforswap", barrier.ResultTimeout)

	if v := testutil.ToFloat64(sm.GuardRejections.WithLabelValues("unspecified")); v != 1 {
		t.Errorf("unspecified = %v", v)
	}
	expected := `
# HELP swapper_barrier_signals_total Motion barrier resolutions by token and result
# TYPE swapper_barrier_signals_total counter
swapper_barrier_signals_total{result="signaled",token="readyforswap"} 1
swapper_barrier_signals_total{result="timeout",token="readyforswap"} 1
`
	if err := testutil.CollectAndCompare(sm.BarrierSignals, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestCommandLabel(t *testing.T) {
	tests := map[string]string{
		"load_insert12":  "load_insert",
		"hometoolrotate": "hometoolrotate",
		"42":             "42",
		"":               "",
	}
	for in, want := range tests {
		if got := commandLabel(in); got != want {
			t.Errorf("commandLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
