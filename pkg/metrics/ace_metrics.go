// ACE host metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"time"
)

// ACEMetrics groups the metrics emitted by transports, units and the
// manager. All methods are safe on a nil receiver so components can run
// without metrics.
type ACEMetrics struct {
	reg *Registry

	RequestsSent    *Counter
	Responses       *Counter
	RequestFailures *Counter
	RequestLatency  *Histogram
	Inflight        *Gauge
	Anomalies       *Counter
	FramesDropped   *Counter
	Connected       *Gauge
	Reconnects      *Counter
	SlotReady       *Gauge
	ToolChanges     *Counter
	ToolChangeTime  *Histogram
	Runouts         *Counter
	Swaps           *Counter
}

func NewACEMetrics() *ACEMetrics {
	m := &ACEMetrics{
		reg:             NewRegistry(),
		RequestsSent:    NewCounter("ace_requests_sent_total", "Requests written to a unit"),
		Responses:       NewCounter("ace_responses_total", "Responses matched to a request, by result"),
		RequestFailures: NewCounter("ace_request_failures_total", "Requests that completed without a response"),
		RequestLatency:  NewHistogram("ace_request_latency_seconds", "Request to response latency", DefaultBuckets()),
		Inflight:        NewGauge("ace_requests_inflight", "Requests awaiting a response"),
		Anomalies:       NewCounter("ace_link_anomalies_total", "Timeouts, unmatched responses and bad frames"),
		FramesDropped:   NewCounter("ace_frame_bytes_dropped_total", "Bytes discarded while resynchronizing"),
		Connected:       NewGauge("ace_unit_connected", "1 while the unit link is up"),
		Reconnects:      NewCounter("ace_unit_reconnects_total", "Successful reconnects"),
		SlotReady:       NewGauge("ace_slot_ready", "1 when the slot holds ready filament"),
		ToolChanges:     NewCounter("ace_tool_changes_total", "Tool changes by result"),
		ToolChangeTime:  NewHistogram("ace_tool_change_seconds", "Tool change duration", ExponentialBuckets(1, 2, 9)),
		Runouts:         NewCounter("ace_runouts_total", "Confirmed runouts"),
		Swaps:           NewCounter("ace_endless_swaps_total", "Endless spool swaps by result"),
	}
	m.reg.MustRegister(m.RequestsSent, m.Responses, m.RequestFailures, m.RequestLatency,
		m.Inflight, m.Anomalies, m.FramesDropped, m.Connected, m.Reconnects, m.SlotReady,
		m.ToolChanges, m.ToolChangeTime, m.Runouts, m.Swaps)
	return m
}

func unitLabels(unit int) Labels { return Labels{"unit": strconv.Itoa(unit)} }

func (m *ACEMetrics) Registry() *Registry {
	if m == nil {
		return NewRegistry()
	}
	return m.reg
}

func (m *ACEMetrics) Gather() string {
	return m.Registry().Gather()
}

func (m *ACEMetrics) RequestSent(unit int, method string) {
	if m == nil {
		return
	}
	m.RequestsSent.Inc(Labels{"unit": strconv.Itoa(unit), "method": method})
}

func (m *ACEMetrics) ResponseReceived(unit int, method string, rejected bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if rejected {
		result = "rejected"
	}
	m.Responses.Inc(Labels{"unit": strconv.Itoa(unit), "method": method, "result": result})
	m.RequestLatency.Observe(unitLabels(unit), latency.Seconds())
}

func (m *ACEMetrics) RequestFailed(unit int, method, reason string) {
	if m == nil {
		return
	}
	m.RequestFailures.Inc(Labels{"unit": strconv.Itoa(unit), "method": method, "reason": reason})
}

func (m *ACEMetrics) SetInflight(unit, n int) {
	if m == nil {
		return
	}
	m.Inflight.Set(unitLabels(unit), float64(n))
}

func (m *ACEMetrics) Anomaly(unit int, kind string) {
	if m == nil {
		return
	}
	m.Anomalies.Inc(Labels{"unit": strconv.Itoa(unit), "kind": kind})
}

func (m *ACEMetrics) BytesDropped(unit, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.Add(unitLabels(unit), uint64(n))
}

func (m *ACEMetrics) SetConnected(unit int, up bool, reconnect bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
		if reconnect {
			m.Reconnects.Inc(unitLabels(unit))
		}
	}
	m.Connected.Set(unitLabels(unit), v)
}

func (m *ACEMetrics) SetSlotReady(unit, slot int, ready bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ready {
		v = 1
	}
	m.SlotReady.Set(Labels{"unit": strconv.Itoa(unit), "slot": strconv.Itoa(slot)}, v)
}

func (m *ACEMetrics) ToolChange(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolChanges.Inc(Labels{"result": result})
	m.ToolChangeTime.Observe(nil, d.Seconds())
}

func (m *ACEMetrics) Runout(tool int) {
	if m == nil {
		return
	}
	m.Runouts.Inc(Labels{"tool": strconv.Itoa(tool)})
}

func (m *ACEMetrics) Swap(result string) {
	if m == nil {
		return
	}
	m.Swaps.Inc(Labels{"result": result})
}
