// ACE orchestrator
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package manager maps global tools onto units and sequences tool changes,
// runout handling and reconnect validation across all ACE units.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/health"
	"klipper-ace/pkg/host"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/metrics"
	"klipper-ace/pkg/reactor"
	"klipper-ace/pkg/runout"
	"klipper-ace/pkg/sensor"
	"klipper-ace/pkg/serial"
	"klipper-ace/pkg/state"
)

// Defaults for Config fields left zero.
const (
	DefaultSlotWaitTimeout   = 300 * time.Second
	DefaultReadyDwell        = 2 * time.Second
	DefaultSlotPollInterval  = 250 * time.Millisecond
	DefaultSensorFeedRetries = 5
	DefaultSensorFeedStep    = 20
	DefaultConnectTimeout    = 10 * time.Second
)

// LoadPath is the filament geometry between one unit and the nozzle.
type LoadPath struct {
	// ParkToUnit is unit → park position, fed before the long move.
	ParkToUnit int
	// ParkToToolhead is park position → toolhead sensor.
	ParkToToolhead int
	// ToolheadToNozzle is extruded by the host after the sensor.
	ToolheadToNozzle float64
	ExtruderSpeed    float64
	// IdentifyLength is the coordinated retraction used to find out which
	// slot an unknown filament comes from.
	IdentifyLength  float64
	PurgeLength     float64
	PurgeMultiplier float64
	PurgeSpeed      float64
}

func (p *LoadPath) fill() {
	if p.ParkToUnit <= 0 {
		p.ParkToUnit = ace.DefaultParkToUnit
	}
	if p.ParkToToolhead <= 0 {
		p.ParkToToolhead = 1000
	}
	if p.ToolheadToNozzle <= 0 {
		p.ToolheadToNozzle = 60
	}
	if p.ExtruderSpeed <= 0 {
		p.ExtruderSpeed = 5
	}
	if p.IdentifyLength <= 0 {
		p.IdentifyLength = 60
	}
	if p.PurgeSpeed <= 0 {
		p.PurgeSpeed = 5
	}
}

// PurgeAmount is the length extruded after a load.
func (p LoadPath) PurgeAmount() float64 {
	if p.PurgeLength <= 0 || p.PurgeMultiplier <= 0 {
		return 0
	}
	return p.PurgeLength * p.PurgeMultiplier
}

// Config configures the orchestrator.
type Config struct {
	SlotWaitTimeout   time.Duration
	ReadyDwell        time.Duration
	SlotPollInterval  time.Duration
	SensorFeedRetries int
	SensorFeedStep    int
	ConnectTimeout    time.Duration

	EndlessSpool    bool
	EndlessMode     endless.Mode
	MaxSwapAttempts int

	Runout runout.Config
}

func (c *Config) fill() {
	if c.SlotWaitTimeout <= 0 {
		c.SlotWaitTimeout = DefaultSlotWaitTimeout
	}
	if c.ReadyDwell < 0 {
		c.ReadyDwell = 0
	}
	if c.SlotPollInterval <= 0 {
		c.SlotPollInterval = DefaultSlotPollInterval
	}
	if c.SensorFeedRetries <= 0 {
		c.SensorFeedRetries = DefaultSensorFeedRetries
	}
	if c.SensorFeedStep <= 0 {
		c.SensorFeedStep = DefaultSensorFeedStep
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Deps are the collaborators of the orchestrator. Reactor may be nil, in
// which case runout detection is not started.
type Deps struct {
	Motion  host.Motion
	Printer host.Printer
	Sensors sensor.Reader
	Store   state.Store
	Health  *health.Monitor
	Reactor *reactor.Reactor
	Metrics *metrics.ACEMetrics
	Logger  *log.Logger
}

// Link is the transport of one unit as seen by the orchestrator.
type Link interface {
	ace.Link
	Reconnect()
	OnConnect(fn func(serial.Fingerprint))
}

type unitEntry struct {
	path LoadPath
	link Link
}

// Manager is the orchestrator. All tool movements are serialized by ops.
type Manager struct {
	cfg     Config
	reg     *Registry
	motion  host.Motion
	printer host.Printer
	sensors sensor.Reader
	store   state.Store
	health  *health.Monitor
	metrics *metrics.ACEMetrics
	log     *log.Logger

	matcher *endless.Matcher
	runout  *runout.Monitor
	ops     reactor.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	entries    map[int]*unitEntry
	current    int
	position   Position
	feedAssist map[int]int
	loaded     ace.Slot
	operation  string
	lastError  string
	onPrompt   []func(msg string)
	onChange   []func()
}

// New creates the orchestrator and restores persisted state. Units are
// added with AddUnit before Start.
func New(cfg Config, d Deps) *Manager {
	cfg.fill()
	if d.Logger == nil {
		d.Logger = log.GetLogger("ace")
	}
	if d.Store == nil {
		d.Store = state.NewMemory()
	}
	if d.Sensors == nil {
		d.Sensors = sensor.NewStatic()
	}
	if d.Health == nil {
		d.Health = health.NewMonitor(health.Config{})
	}
	if d.Motion == nil {
		d.Motion = host.NewLogMotion(d.Logger)
	}
	if d.Printer == nil {
		d.Printer = host.NewStandalone(d.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		reg:        NewRegistry(),
		motion:     d.Motion,
		printer:    d.Printer,
		sensors:    d.Sensors,
		store:      d.Store,
		health:     d.Health,
		metrics:    d.Metrics,
		log:        d.Logger.WithPrefix("manager"),
		entries:    make(map[int]*unitEntry),
		current:    -1,
		position:   InStorage,
		feedAssist: make(map[int]int),
	}
	m.matcher = endless.New(m.reg, cfg.EndlessMode, cfg.MaxSwapAttempts, d.Logger, d.Metrics)
	m.matcher.SetEnabled(cfg.EndlessSpool)
	m.restoreGlobals()
	if d.Reactor != nil {
		m.runout = runout.New(cfg.Runout, d.Reactor, d.Sensors, d.Printer,
			m.CurrentTool, m.runoutHandler, d.Logger, d.Metrics)
	}
	return m
}

// AddUnit registers u with its load geometry and transport. The unit's
// persisted inventory and feed-assist slot are restored, and reconnects
// are routed through the topology guard.
func (m *Manager) AddUnit(u *ace.Unit, path LoadPath, link Link) {
	path.fill()
	idx := u.Index()
	m.mu.Lock()
	m.entries[idx] = &unitEntry{path: path, link: link}
	m.mu.Unlock()

	m.reg.Add(u)
	m.restoreUnit(u)
	u.OnChange(m.persistInventory)
	if link != nil {
		u.Attach(link)
		link.OnConnect(func(fp serial.Fingerprint) { m.handleConnect(idx, fp) })
	}
}

// Start begins runout detection.
func (m *Manager) Start() {
	if m.runout != nil {
		m.runout.Start()
	}
}

// Stop ends runout detection and aborts background handlers.
func (m *Manager) Stop() {
	m.cancel()
	if m.runout != nil {
		m.runout.Stop()
	}
}

func (m *Manager) Registry() *Registry { return m.reg }

func (m *Manager) Matcher() *endless.Matcher { return m.matcher }

func (m *Manager) Runout() *runout.Monitor { return m.runout }

func (m *Manager) Health() *health.Monitor { return m.health }

func (m *Manager) Printer() host.Printer { return m.printer }

// ToolToUnit maps a global tool to (unit, slot).
func (m *Manager) ToolToUnit(tool int) (*ace.Unit, int, bool) { return m.reg.ToolToUnit(tool) }

func (m *Manager) UnitTool(unit, slot int) int { return m.reg.UnitTool(unit, slot) }

// Link returns the transport of unit i.
func (m *Manager) Link(i int) (Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[i]
	if !ok || e.link == nil {
		return nil, false
	}
	return e.link, true
}

func (m *Manager) path(i int) LoadPath {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[i]; ok {
		return e.path
	}
	var p LoadPath
	p.fill()
	return p
}

// CurrentTool returns the loaded tool or -1.
func (m *Manager) CurrentTool() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) Position() Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// FeedAssistIndex is the slot feed assist was last established on for
// unit i, or -1.
func (m *Manager) FeedAssistIndex(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.feedAssist[i]; ok {
		return v
	}
	return -1
}

// Busy reports whether a tool movement is running.
func (m *Manager) Busy() bool { return m.ops.Test() }

// OnPrompt registers a hook for operator prompts (slot waits, pauses).
func (m *Manager) OnPrompt(fn func(msg string)) {
	m.mu.Lock()
	m.onPrompt = append(m.onPrompt, fn)
	m.mu.Unlock()
}

// OnChange registers a hook run after tool, position or inventory changes.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Manager) prompt(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	m.log.Warn("%s", msg)
	m.mu.Lock()
	hooks := append([]func(string){}, m.onPrompt...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(msg)
	}
	return msg
}

func (m *Manager) notify() {
	m.mu.Lock()
	hooks := append([]func(){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// SetEndlessSpool enables or disables endless spool and persists it.
func (m *Manager) SetEndlessSpool(on bool) error {
	m.matcher.SetEnabled(on)
	if on {
		m.log.Info("endless spool enabled")
	} else {
		m.log.Info("endless spool disabled")
	}
	return m.store.Set(keyEndlessEnabled, on)
}

// SetEndlessMode changes the match mode and persists it.
func (m *Manager) SetEndlessMode(mode endless.Mode) error {
	m.matcher.SetMode(mode)
	m.log.Info("endless spool mode %s", mode)
	return m.store.Set(keyEndlessMode, string(mode))
}
