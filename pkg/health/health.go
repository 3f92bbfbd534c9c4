// Connection health supervision for ACE units
//
// Tracks reconnects and communication anomalies in sliding windows,
// decides whether a link is stable, and guards against a reconnect
// attaching a different physical unit to the same logical index.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package health

import (
	"sort"
	"sync"
	"time"

	"klipper-ace/pkg/serial"
)

// Config holds the supervision thresholds shared by all units.
type Config struct {
	ReconnectWindow          time.Duration
	MaxReconnects            int
	MinStableDuration        time.Duration
	AnomalyWindow            time.Duration
	TopologyFailureThreshold int
	Backoff                  BackoffConfig

	// Now is the clock; tests replace it.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ReconnectWindow:          60 * time.Second,
		MaxReconnects:            3,
		MinStableDuration:        10 * time.Second,
		AnomalyWindow:            60 * time.Second,
		TopologyFailureThreshold: 3,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = d.ReconnectWindow
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = d.MaxReconnects
	}
	if c.MinStableDuration < 0 {
		c.MinStableDuration = 0
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.TopologyFailureThreshold <= 0 {
		c.TopologyFailureThreshold = d.TopologyFailureThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Anomaly kinds counted against a link.
const (
	AnomalyTimeout   = "timeout"
	AnomalyUnmatched = "unmatched_response"
	AnomalyBadFrame  = "bad_frame"
)

// Verdict is the outcome of comparing a fresh fingerprint with the
// expected one.
type Verdict int

const (
	// VerdictRecorded: no expectation existed; the fingerprint is now expected.
	VerdictRecorded Verdict = iota
	VerdictMatch
	VerdictMismatch
	// VerdictInvalidated: too many consecutive mismatches, the
	// expectation was dropped and the unit must be re-enumerated.
	VerdictInvalidated
)

func (v Verdict) String() string {
	switch v {
	case VerdictRecorded:
		return "recorded"
	case VerdictMatch:
		return "match"
	case VerdictMismatch:
		return "mismatch"
	case VerdictInvalidated:
		return "invalidated"
	}
	return "unknown"
}

type event struct {
	at   time.Time
	kind string
}

// UnitHealth is the health record of one unit index.
type UnitHealth struct {
	mu    sync.Mutex
	cfg   Config
	index int

	backoff        *Backoff
	connected      bool
	connectedSince time.Time
	reconnects     []time.Time
	anomalies      []event

	expected    serial.Fingerprint
	hasExpected bool
	current     serial.Fingerprint
	mismatches  int
}

func newUnitHealth(index int, cfg Config) *UnitHealth {
	return &UnitHealth{cfg: cfg, index: index, backoff: NewBackoff(cfg.Backoff)}
}

func (h *UnitHealth) Index() int { return h.index }

// Backoff is the reconnect delay policy of this link.
func (h *UnitHealth) Backoff() *Backoff { return h.backoff }

func prune[T any](list []T, at func(T) time.Time, cutoff time.Time) []T {
	i := 0
	for i < len(list) && at(list[i]).Before(cutoff) {
		i++
	}
	return list[i:]
}

func (h *UnitHealth) pruneLocked(now time.Time) {
	h.reconnects = prune(h.reconnects, func(t time.Time) time.Time { return t }, now.Add(-h.cfg.ReconnectWindow))
	h.anomalies = prune(h.anomalies, func(e event) time.Time { return e.at }, now.Add(-h.cfg.AnomalyWindow))
}

// NoteConnected records a successful (re)connect and resets the backoff.
func (h *UnitHealth) NoteConnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Now()
	if !h.connectedSince.IsZero() {
		h.reconnects = append(h.reconnects, now)
	}
	h.connected = true
	h.connectedSince = now
	h.pruneLocked(now)
	h.backoff.Reset()
}

// NoteDisconnected records link loss.
func (h *UnitHealth) NoteDisconnected() {
	h.mu.Lock()
	h.connected = false
	h.mu.Unlock()
}

// NoteAnomaly counts a timeout, unmatched response or bad frame.
func (h *UnitHealth) NoteAnomaly(kind string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Now()
	h.anomalies = append(h.anomalies, event{at: now, kind: kind})
	h.pruneLocked(now)
}

func (h *UnitHealth) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

// Stable reports whether the link has been up for the minimum duration
// with fewer than MaxReconnects reconnects in the rolling window.
func (h *UnitHealth) Stable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Now()
	h.pruneLocked(now)
	if !h.connected || now.Sub(h.connectedSince) < h.cfg.MinStableDuration {
		return false
	}
	return len(h.reconnects) < h.cfg.MaxReconnects
}

func (h *UnitHealth) Reconnects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.cfg.Now())
	return len(h.reconnects)
}

// Anomalies returns the windowed anomaly count, optionally by kind.
func (h *UnitHealth) Anomalies(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked(h.cfg.Now())
	if kind == "" {
		return len(h.anomalies)
	}
	n := 0
	for _, e := range h.anomalies {
		if e.kind == kind {
			n++
		}
	}
	return n
}

// CheckTopology compares the fingerprint of a fresh connection with the
// one this index is expected to have.
func (h *UnitHealth) CheckTopology(fp serial.Fingerprint) Verdict {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = fp
	if !h.hasExpected {
		h.expected = fp
		h.hasExpected = true
		h.mismatches = 0
		return VerdictRecorded
	}
	if h.expected.Matches(fp) {
		h.mismatches = 0
		return VerdictMatch
	}
	h.mismatches++
	if h.mismatches >= h.cfg.TopologyFailureThreshold {
		h.expected = serial.Fingerprint{}
		h.hasExpected = false
		h.mismatches = 0
		return VerdictInvalidated
	}
	return VerdictMismatch
}

// Establish makes the fingerprint of the current connection the expected
// one. Called when state tied to the physical unit (feed assist) is set up.
func (h *UnitHealth) Establish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current.IsZero() {
		return
	}
	h.expected = h.current
	h.hasExpected = true
	h.mismatches = 0
}

// Expected returns the expected fingerprint, if one is established.
func (h *UnitHealth) Expected() (serial.Fingerprint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expected, h.hasExpected
}

// Current returns the fingerprint of the most recent connection.
func (h *UnitHealth) Current() serial.Fingerprint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Snapshot is a point-in-time copy for status reporting.
type Snapshot struct {
	Index        int                `json:"index"`
	Connected    bool               `json:"connected"`
	Stable       bool               `json:"stable"`
	ConnectedFor time.Duration      `json:"connected_for"`
	Reconnects   int                `json:"reconnects"`
	Anomalies    map[string]int     `json:"anomalies"`
	Expected     serial.Fingerprint `json:"expected_topology"`
	Current      serial.Fingerprint `json:"current_topology"`
	Mismatches   int                `json:"topology_mismatches"`
	NextBackoff  time.Duration      `json:"next_backoff"`
}

func (h *UnitHealth) Snapshot() Snapshot {
	stable := h.Stable()
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.cfg.Now()
	s := Snapshot{
		Index:       h.index,
		Connected:   h.connected,
		Stable:      stable,
		Reconnects:  len(h.reconnects),
		Anomalies:   map[string]int{},
		Expected:    h.expected,
		Current:     h.current,
		Mismatches:  h.mismatches,
		NextBackoff: h.backoff.Current(),
	}
	if h.connected {
		s.ConnectedFor = now.Sub(h.connectedSince)
	}
	for _, e := range h.anomalies {
		s.Anomalies[e.kind]++
	}
	return s
}

// Monitor owns the health records of all units.
type Monitor struct {
	mu    sync.Mutex
	cfg   Config
	units map[int]*UnitHealth
}

func NewMonitor(cfg Config) *Monitor {
	cfg.fill()
	return &Monitor{cfg: cfg, units: make(map[int]*UnitHealth)}
}

// Unit returns the record for index, creating it on first use.
func (m *Monitor) Unit(index int) *UnitHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.units[index]
	if !ok {
		h = newUnitHealth(index, m.cfg)
		m.units[index] = h
	}
	return h
}

// Snapshots returns every unit's snapshot ordered by index.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.Lock()
	list := make([]*UnitHealth, 0, len(m.units))
	for _, h := range m.units {
		list = append(list, h)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].index < list[j].index })
	out := make([]Snapshot, len(list))
	for i, h := range list {
		out[i] = h.Snapshot()
	}
	return out
}

// AllStable reports whether every known unit is stable.
func (m *Monitor) AllStable() bool {
	for _, s := range m.Snapshots() {
		if !s.Stable {
			return false
		}
	}
	return true
}
