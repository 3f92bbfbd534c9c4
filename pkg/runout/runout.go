// Toolhead runout monitor
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package runout watches the toolhead sensor while a print runs and
// reports a confirmed present-to-absent transition.
package runout

import (
	"sync"
	"time"

	"klipper-ace/pkg/host"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/metrics"
	"klipper-ace/pkg/reactor"
	"klipper-ace/pkg/sensor"
)

const (
	DefaultPollInterval     = 50 * time.Millisecond
	DefaultDebounce         = 1
	DefaultWatchdogInterval = 2 * time.Second
)

type Config struct {
	PollInterval time.Duration
	// Debounce is the number of consecutive absent reads that confirm a
	// runout.
	Debounce         int
	WatchdogInterval time.Duration
}

// Handler receives the tool that ran out. It runs in its own goroutine.
type Handler func(tool int)

// Monitor polls the toolhead sensor from reactor timers.
type Monitor struct {
	cfg     Config
	r       *reactor.Reactor
	sensors sensor.Reader
	printer host.Printer
	tool    func() int
	handler Handler
	log     *log.Logger
	metrics *metrics.ACEMetrics

	mu          sync.Mutex
	enabled     bool
	suspended   bool
	active      bool
	hasBaseline bool
	present     bool
	absent      int
	lastRunout  int
	poll        *reactor.Timer
	watchdog    *reactor.Timer
}

// New creates a monitor. currentTool returns the loaded tool or -1.
func New(cfg Config, r *reactor.Reactor, sensors sensor.Reader, printer host.Printer,
	currentTool func() int, handler Handler, logger *log.Logger, m *metrics.ACEMetrics) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if logger == nil {
		logger = log.GetLogger("ace")
	}
	return &Monitor{
		cfg:        cfg,
		r:          r,
		sensors:    sensors,
		printer:    printer,
		tool:       currentTool,
		handler:    handler,
		log:        logger.WithPrefix("runout"),
		metrics:    m,
		enabled:    true,
		lastRunout: -1,
	}
}

// Start registers the poll and watchdog timers.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watchdog != nil {
		return
	}
	m.poll = m.r.RegisterTimer(m.pollEvent, reactor.NEVER)
	m.watchdog = m.r.RegisterTimer(m.watchdogEvent, reactor.NOW)
}

// Stop unregisters the timers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	poll, wd := m.poll, m.watchdog
	m.poll, m.watchdog = nil, nil
	m.active = false
	m.mu.Unlock()
	if poll != nil {
		m.r.UnregisterTimer(poll)
	}
	if wd != nil {
		m.r.UnregisterTimer(wd)
	}
}

// SetEnabled turns detection on or off.
func (m *Monitor) SetEnabled(on bool) {
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
	m.Check()
}

// Suspend stops detection for the duration of a tool change.
func (m *Monitor) Suspend() {
	m.mu.Lock()
	m.suspended = true
	m.mu.Unlock()
	m.Check()
}

// Resume lifts Suspend; polling restarts with a fresh baseline.
func (m *Monitor) Resume() {
	m.mu.Lock()
	m.suspended = false
	m.mu.Unlock()
	m.Check()
}

// Active reports whether the sensor is being polled.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Monitor) shouldRun() bool {
	m.mu.Lock()
	ok := m.enabled && !m.suspended
	m.mu.Unlock()
	return ok && m.printer.IsPrinting() && m.tool() >= 0
}

// Check starts or stops polling to match the print state.
func (m *Monitor) Check() {
	should := m.shouldRun()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.poll == nil {
		return
	}
	switch {
	case should && !m.active:
		m.active = true
		m.hasBaseline = false
		m.absent = 0
		m.r.UpdateTimer(m.poll, reactor.NOW)
		m.log.Debug("detection started")
	case !should && m.active:
		m.active = false
		m.r.UpdateTimer(m.poll, reactor.NEVER)
		m.log.Debug("detection stopped")
	}
}

func (m *Monitor) watchdogEvent(eventtime float64) float64 {
	wasActive := m.Active()
	m.Check()
	if !wasActive && m.Active() {
		m.log.Info("detection recovered by watchdog")
	}
	return eventtime + m.cfg.WatchdogInterval.Seconds()
}

func (m *Monitor) pollEvent(eventtime float64) float64 {
	if !m.shouldRun() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		return reactor.NEVER
	}
	if m.Sample(sensor.Instant(m.sensors, sensor.Toolhead)) {
		return reactor.NEVER
	}
	return eventtime + m.cfg.PollInterval.Seconds()
}

// Sample feeds one sensor read. It returns true when the read confirms
// a runout, after which polling stays off until the next Check starts
// it with a new baseline.
func (m *Monitor) Sample(present bool) bool {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	if !m.hasBaseline {
		m.hasBaseline = true
		m.present = present
		m.absent = 0
		m.mu.Unlock()
		return false
	}
	if present {
		m.present = true
		m.absent = 0
		m.mu.Unlock()
		return false
	}
	if !m.present {
		m.mu.Unlock()
		return false
	}
	m.absent++
	if m.absent < m.cfg.Debounce {
		m.mu.Unlock()
		return false
	}
	m.active = false
	m.present = false
	m.absent = 0
	m.mu.Unlock()

	tool := m.tool()
	m.mu.Lock()
	m.lastRunout = tool
	m.mu.Unlock()
	m.metrics.Runout(tool)
	m.log.Warn("runout confirmed on T%d after %d absent reads", tool, m.cfg.Debounce)
	if m.handler != nil {
		go m.handler(tool)
	}
	return true
}

// Status reports the monitor state.
func (m *Monitor) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"enabled":     m.enabled,
		"suspended":   m.suspended,
		"active":      m.active,
		"debounce":    m.cfg.Debounce,
		"last_runout": m.lastRunout,
	}
}
