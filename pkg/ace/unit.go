// ACE unit device model
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package ace models one ACE unit: its four slots, feed and retract
// operations, feed assist and the dryer. Responses arrive through the
// transport Sink and update the model; operations block until the unit
// confirms and reports ready again.
package ace

import (
	"context"
	"sync"
	"time"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/metrics"
	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/sensor"
	"klipper-ace/pkg/transport"
)

var (
	ErrRejected    = errors.Sentinel(errors.ErrProtocolRejected)
	ErrNotReady    = errors.Sentinel(errors.ErrOperatorUnitNotReady)
	ErrPathBlocked = errors.Sentinel(errors.ErrOperatorPathBlocked)
	ErrSlotEmpty   = errors.Sentinel(errors.ErrOperatorSlotEmpty)
)

// Defaults for Config fields left zero.
const (
	DefaultFeedSpeed        = 60
	DefaultRetractSpeed     = 50
	DefaultParkToUnit       = 100
	DefaultReadyTimeout     = 60 * time.Second
	DefaultIdleRequery      = 2 * time.Second
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultCommandRetries   = 3
	DefaultRetryBackoff     = 500 * time.Millisecond
	DefaultSlowRetractSpeed = 10
	DefaultSlowRetractStep  = 20
	DefaultSlowRetractSteps = 6
	DefaultMaxDryerTemp     = 55
	DryerFanSpeed           = 7000
)

// Link is the transport side a unit talks through.
type Link interface {
	Send(req protocol.Request, prio transport.Priority) *transport.Call
	Call(ctx context.Context, req protocol.Request, prio transport.Priority) (*protocol.Response, error)
	Connected() bool
}

// Config is the resolved per-unit configuration.
type Config struct {
	Index        int
	FeedSpeed    int // mm/s
	RetractSpeed int // mm/s
	// ParkToUnit is the fixed retraction of a smart unload, mm.
	ParkToUnit         int
	RFIDTempMode       TempMode
	ReturnModuleSensor bool

	ReadyTimeout   time.Duration
	IdleRequery    time.Duration
	PollInterval   time.Duration
	CommandRetries int
	RetryBackoff   time.Duration

	SlowRetractSpeed int
	SlowRetractStep  int
	SlowRetractSteps int
	MaxDryerTemp     int
}

func (c *Config) fill() {
	if c.FeedSpeed <= 0 {
		c.FeedSpeed = DefaultFeedSpeed
	}
	if c.RetractSpeed <= 0 {
		c.RetractSpeed = DefaultRetractSpeed
	}
	if c.ParkToUnit <= 0 {
		c.ParkToUnit = DefaultParkToUnit
	}
	if c.RFIDTempMode == "" {
		c.RFIDTempMode = TempAverage
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.IdleRequery <= 0 {
		c.IdleRequery = DefaultIdleRequery
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CommandRetries <= 0 {
		c.CommandRetries = DefaultCommandRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.SlowRetractSpeed <= 0 {
		c.SlowRetractSpeed = DefaultSlowRetractSpeed
	}
	if c.SlowRetractStep <= 0 {
		c.SlowRetractStep = DefaultSlowRetractStep
	}
	if c.SlowRetractSteps <= 0 {
		c.SlowRetractSteps = DefaultSlowRetractSteps
	}
	if c.MaxDryerTemp <= 0 {
		c.MaxDryerTemp = DefaultMaxDryerTemp
	}
}

// DryerState mirrors the dryer block of the last status.
type DryerState struct {
	Status     string  `json:"status"`
	TargetTemp int     `json:"target_temp"`
	Duration   int     `json:"duration"`
	RemainTime float64 `json:"remain_time"`
}

// Active reports whether the dryer is running.
func (d DryerState) Active() bool { return d.Status == "drying" }

// Unit is one ACE.
type Unit struct {
	cfg     Config
	sensors sensor.Reader
	log     *log.Logger
	metrics *metrics.ACEMetrics

	linkMu sync.RWMutex
	link   Link

	mu         sync.Mutex
	slots      [SlotsPerUnit]Slot
	feedAssist int
	dryer      DryerState
	status     protocol.Status
	statusAt   time.Time
	statusSig  chan struct{}
	info       protocol.Info
	onChange   []func(index int, slots [SlotsPerUnit]Slot)
}

// New creates a unit. Attach connects it to its transport.
func New(cfg Config, sensors sensor.Reader, logger *log.Logger, m *metrics.ACEMetrics) *Unit {
	cfg.fill()
	if logger == nil {
		logger = log.GetLogger("ace")
	}
	if sensors == nil {
		sensors = sensor.NewStatic()
	}
	u := &Unit{
		cfg:        cfg,
		sensors:    sensors,
		log:        logger.ForUnit("ace", cfg.Index),
		metrics:    m,
		feedAssist: -1,
		dryer:      DryerState{Status: "stop"},
		statusSig:  make(chan struct{}),
	}
	for i := range u.slots {
		u.slots[i] = Slot{Index: i, Status: SlotEmpty}
	}
	return u
}

// Attach sets the link used for all requests.
func (u *Unit) Attach(link Link) {
	u.linkMu.Lock()
	u.link = link
	u.linkMu.Unlock()
}

func (u *Unit) getLink() Link {
	u.linkMu.RLock()
	defer u.linkMu.RUnlock()
	return u.link
}

func (u *Unit) Index() int { return u.cfg.Index }

// ToolOffset is the global tool index of slot 0.
func (u *Unit) ToolOffset() int { return u.cfg.Index * SlotsPerUnit }

func (u *Unit) Config() Config { return u.cfg }

// Connected reports whether the link is up.
func (u *Unit) Connected() bool {
	l := u.getLink()
	return l != nil && l.Connected()
}

// OnChange registers a hook called with a copy of the inventory after
// every change. Hooks run on the goroutine that made the change and
// must not block on the unit.
func (u *Unit) OnChange(fn func(index int, slots [SlotsPerUnit]Slot)) {
	u.mu.Lock()
	u.onChange = append(u.onChange, fn)
	u.mu.Unlock()
}

// Slots returns a copy of the inventory.
func (u *Unit) Slots() [SlotsPerUnit]Slot {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out [SlotsPerUnit]Slot
	for i, s := range u.slots {
		out[i] = s.clone()
	}
	return out
}

// Slot returns a copy of one slot.
func (u *Unit) Slot(i int) Slot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.slots[i].clone()
}

// FeedAssist returns the slot feed assist runs on, or -1.
func (u *Unit) FeedAssist() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.feedAssist
}

// ForgetFeedAssist drops the local feed-assist record without talking
// to the unit.
func (u *Unit) ForgetFeedAssist() {
	u.mu.Lock()
	u.feedAssist = -1
	u.mu.Unlock()
}

func (u *Unit) Dryer() DryerState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dryer
}

// LastStatus returns the last raw status and when it arrived.
func (u *Unit) LastStatus() (protocol.Status, time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status, u.statusAt
}

func (u *Unit) Info() protocol.Info {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.info
}

// UnitStatus is the reportable state of a unit.
type UnitStatus struct {
	Index      int                `json:"index"`
	Connected  bool               `json:"connected"`
	Status     string             `json:"status"`
	Temp       int                `json:"temp"`
	FeedAssist int                `json:"feed_assist"`
	Dryer      DryerState         `json:"dryer"`
	Slots      [SlotsPerUnit]Slot `json:"slots"`
	Model      string             `json:"model,omitempty"`
	Firmware   string             `json:"firmware,omitempty"`
}

func (u *Unit) Snapshot() UnitStatus {
	connected := u.Connected()
	slots := u.Slots()
	u.mu.Lock()
	defer u.mu.Unlock()
	return UnitStatus{
		Index:      u.cfg.Index,
		Connected:  connected,
		Status:     u.status.Status,
		Temp:       u.status.Temp,
		FeedAssist: u.feedAssist,
		Dryer:      u.dryer,
		Slots:      slots,
		Model:      u.info.Model,
		Firmware:   u.info.Firmware,
	}
}

// Restore loads a persisted inventory. Ready slots are kept only until
// the first status from the unit says otherwise.
func (u *Unit) Restore(slots [SlotsPerUnit]Slot) {
	u.mu.Lock()
	for i, s := range slots {
		s.Index = i
		if s.Status == SlotSearching {
			s.Status = SlotReady
		}
		s.fillPlaceholders()
		u.slots[i] = s.clone()
	}
	u.mu.Unlock()
}

// SetSlot overrides the metadata of a slot holding a spool. A nil color
// keeps the current one. Empty slots are refused: the next status from
// the unit would wipe the override.
func (u *Unit) SetSlot(i int, material string, color *[3]uint8, temp int) error {
	if err := checkSlot(u.cfg.Index, i); err != nil {
		return err
	}
	u.mu.Lock()
	s := &u.slots[i]
	if s.Status == SlotEmpty {
		u.mu.Unlock()
		return errors.SlotEmptyError(u.cfg.Index, i)
	}
	if material != "" {
		s.Material = material
	}
	if color != nil {
		s.Color = *color
	}
	if temp > 0 {
		s.Temp = temp
	} else if material != "" {
		s.Temp = MaterialTemp(material)
	}
	s.fillPlaceholders()
	set := *s
	u.mu.Unlock()
	u.log.Info("slot %d set to %s %s %d°C", i, set.Material, set.ColorHex(), set.Temp)
	u.changed()
	return nil
}

// MarkEmpty records a slot as empty, as after a failed swap.
func (u *Unit) MarkEmpty(i int) {
	u.mu.Lock()
	u.slots[i].clearMetadata()
	u.mu.Unlock()
	u.metrics.SetSlotReady(u.cfg.Index, i, false)
	u.changed()
}

// SetSearching flags or unflags a ready slot as probed by the matcher.
func (u *Unit) SetSearching(i int, on bool) {
	u.mu.Lock()
	s := &u.slots[i]
	switch {
	case on && s.Status == SlotReady:
		s.Status = SlotSearching
	case !on && s.Status == SlotSearching:
		s.Status = SlotReady
	}
	u.mu.Unlock()
}

func (u *Unit) changed() {
	slots := u.Slots()
	u.mu.Lock()
	hooks := append([]func(int, [SlotsPerUnit]Slot){}, u.onChange...)
	u.mu.Unlock()
	for _, fn := range hooks {
		fn(u.cfg.Index, slots)
	}
}

// statusSignal is closed when the next status arrives.
func (u *Unit) statusSignal() <-chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.statusSig
}

// Deliver implements transport.Sink. It runs on the reader goroutine.
func (u *Unit) Deliver(kind transport.Kind, req protocol.Request, resp *protocol.Response) {
	if resp.Rejected() {
		return
	}
	switch kind {
	case transport.KindStatus:
		var st protocol.Status
		if err := resp.Decode(&st); err != nil {
			u.log.WithError(err).Warn("bad status")
			return
		}
		u.applyStatus(st)
	case transport.KindFilamentInfo:
		var fi protocol.FilamentInfo
		if err := resp.Decode(&fi); err != nil {
			u.log.WithError(err).Warn("bad filament info")
			return
		}
		u.applyFilamentInfo(paramIndex(req, fi.Index), fi)
	case transport.KindInfo:
		var info protocol.Info
		if err := resp.Decode(&info); err != nil {
			u.log.WithError(err).Warn("bad info")
			return
		}
		u.mu.Lock()
		u.info = info
		u.mu.Unlock()
	case transport.KindCommand:
		u.applyCommand(req)
	}
}

func paramIndex(req protocol.Request, fallback int) int {
	switch v := req.Params["index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func (u *Unit) applyCommand(req protocol.Request) {
	u.mu.Lock()
	switch req.Method {
	case protocol.MethodStartFeedAssist:
		u.feedAssist = paramIndex(req, -1)
	case protocol.MethodStopFeedAssist:
		u.feedAssist = -1
	case protocol.MethodDrying:
		u.dryer.Status = "drying"
		if v, ok := req.Params["temp"].(int); ok {
			u.dryer.TargetTemp = v
		}
		if v, ok := req.Params["duration"].(int); ok {
			u.dryer.Duration = v
		}
	case protocol.MethodDryingStop:
		u.dryer = DryerState{Status: "stop"}
	}
	u.mu.Unlock()
}

func (u *Unit) applyStatus(st protocol.Status) {
	var fetch []int
	changed := false

	u.mu.Lock()
	for _, ss := range st.Slots {
		i := ss.Index
		if i < 0 || i >= SlotsPerUnit {
			continue
		}
		s := &u.slots[i]
		before := *s
		wasEmpty := s.Status == SlotEmpty
		if ss.Status != protocol.SlotReady {
			if !wasEmpty {
				u.log.Info("slot %d emptied", i)
			}
			s.clearMetadata()
		} else {
			if wasEmpty {
				s.Status = SlotReady
				u.log.Info("slot %d ready (%s)", i, ss.Type)
			}
			if ss.Type != "" && (s.IsUnknown() || s.RFID) {
				s.Material = ss.Type
			}
			if c, ok := colorFrom(ss.Color); ok && c != ([3]uint8{}) && (s.RFID || s.Color == ([3]uint8{}) || s.Color == White) {
				s.Color = c
			}
			tagged := ss.RFID == protocol.RFIDIdentified
			if tagged && (wasEmpty || s.Info == nil) {
				fetch = append(fetch, i)
			}
			s.RFID = tagged || s.Info != nil
			s.fillPlaceholders()
		}
		if !slotEqual(before, *s) {
			changed = true
		}
		u.metrics.SetSlotReady(u.cfg.Index, i, s.Status != SlotEmpty)
	}
	d := st.Dryer()
	u.dryer = DryerState{Status: d.Status, TargetTemp: d.TargetTemp, Duration: d.Duration, RemainTime: d.RemainTime}
	u.status = st
	u.statusAt = time.Now()
	close(u.statusSig)
	u.statusSig = make(chan struct{})
	u.mu.Unlock()

	if link := u.getLink(); link != nil {
		for _, i := range fetch {
			link.Send(protocol.GetFilamentInfo(i), transport.PriorityNormal)
		}
	}
	if changed {
		u.changed()
	}
}

func slotEqual(a, b Slot) bool {
	if a.Status != b.Status || a.Material != b.Material || a.Color != b.Color || a.Temp != b.Temp || a.RFID != b.RFID {
		return false
	}
	return (a.Info == nil) == (b.Info == nil)
}

func (u *Unit) applyFilamentInfo(i int, fi protocol.FilamentInfo) {
	if i < 0 || i >= SlotsPerUnit {
		return
	}
	u.mu.Lock()
	s := &u.slots[i]
	if s.Status == SlotEmpty {
		u.mu.Unlock()
		return
	}
	s.RFID = true
	s.Info = &RFIDInfo{
		SKU:             fi.SKU,
		Brand:           fi.Brand,
		TempMin:         fi.ExtruderTemp.Min,
		TempMax:         fi.ExtruderTemp.Max,
		BedTempMin:      fi.HotbedTemp.Min,
		BedTempMax:      fi.HotbedTemp.Max,
		Diameter:        fi.Diameter,
		TotalLength:     fi.Total,
		RemainingLength: fi.Current,
	}
	if fi.Type != "" {
		s.Material = fi.Type
	}
	if c, ok := colorFrom(fi.Color); ok {
		s.Color = c
	}
	if t := u.cfg.RFIDTempMode.Reduce(fi.ExtruderTemp); t > 0 {
		s.Temp = t
	} else {
		s.Temp = MaterialTemp(s.Material)
	}
	s.fillPlaceholders()
	temp, material := s.Temp, s.Material
	u.mu.Unlock()
	u.log.Info("slot %d tag: %s %s, %d°C (%s)", i, fi.Brand, material, temp, u.cfg.RFIDTempMode)
	u.changed()
}

func checkSlot(unit, i int) error {
	if i < 0 || i >= SlotsPerUnit {
		return errors.New(errors.ErrCommandInvalidParam, "slot index out of range").
			SetUnit(unit).SetContext("slot", i)
	}
	return nil
}
