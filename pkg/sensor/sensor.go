// Filament presence sensors
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package sensor

import (
	"sort"
	"sync"
	"time"
)

// ID names a presence sensor along the filament path.
type ID string

const (
	// Toolhead sits just before the extruder gears.
	Toolhead ID = "toolhead"
	// ReturnModule sits between the unit and the hub; it is the mid-path
	// sensor when fitted.
	ReturnModule ID = "return_module"
)

// Reader is the presence capability consumed by the host.
type Reader interface {
	// Presence reports whether filament is detected. Unknown or
	// unavailable sensors read as absent.
	Presence(id ID) bool
	// Available reports whether the sensor is fitted and enabled.
	Available(id ID) bool
}

// InstantReader is offered by sensors that can bypass their debounce.
type InstantReader interface {
	InstantPresence(id ID) bool
}

// Instant reads id through InstantPresence when r offers it.
func Instant(r Reader, id ID) bool {
	if ir, ok := r.(InstantReader); ok {
		return ir.InstantPresence(id)
	}
	return r.Presence(id)
}

// AnyPresent reports whether any available sensor among ids shows filament.
func AnyPresent(r Reader, ids ...ID) bool {
	for _, id := range ids {
		if r.Available(id) && r.Presence(id) {
			return true
		}
	}
	return false
}

// Switch is a binary filament switch fed by pin state changes. Presence
// only follows a new raw state once it held for the debounce time.
type Switch struct {
	mu       sync.Mutex
	name     ID
	raw      bool
	stable   bool
	changed  time.Time
	debounce time.Duration
	enabled  bool
	now      func() time.Time
}

func NewSwitch(name ID, debounce time.Duration) *Switch {
	return &Switch{name: name, debounce: debounce, enabled: true, now: time.Now}
}

func (s *Switch) Name() ID { return s.name }

// HandleButtonState records a pin transition.
func (s *Switch) HandleButtonState(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	if present == s.raw {
		return
	}
	s.raw = present
	s.changed = s.now()
	if s.debounce <= 0 {
		s.stable = present
	}
}

func (s *Switch) settleLocked() {
	if s.raw != s.stable && s.now().Sub(s.changed) >= s.debounce {
		s.stable = s.raw
	}
}

// Present is the debounced state.
func (s *Switch) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleLocked()
	return s.stable
}

// Raw is the last pin state, ignoring debounce.
func (s *Switch) Raw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw
}

func (s *Switch) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

func (s *Switch) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Bank is a set of switches addressed by ID. It implements Reader and
// InstantReader.
type Bank struct {
	mu       sync.RWMutex
	switches map[ID]*Switch
}

func NewBank(switches ...*Switch) *Bank {
	b := &Bank{switches: make(map[ID]*Switch)}
	for _, s := range switches {
		b.switches[s.name] = s
	}
	return b
}

// Add registers s, replacing any switch with the same name.
func (b *Bank) Add(s *Switch) {
	b.mu.Lock()
	b.switches[s.name] = s
	b.mu.Unlock()
}

func (b *Bank) Get(id ID) *Switch {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.switches[id]
}

func (b *Bank) Presence(id ID) bool {
	s := b.Get(id)
	return s != nil && s.Enabled() && s.Present()
}

func (b *Bank) InstantPresence(id ID) bool {
	s := b.Get(id)
	return s != nil && s.Enabled() && s.Raw()
}

func (b *Bank) Available(id ID) bool {
	s := b.Get(id)
	return s != nil && s.Enabled()
}

// Status reports every switch for status queries.
func (b *Bank) Status() map[string]any {
	b.mu.RLock()
	ids := make([]string, 0, len(b.switches))
	for id := range b.switches {
		ids = append(ids, string(id))
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	out := make(map[string]any, len(ids))
	for _, id := range ids {
		s := b.Get(ID(id))
		out[id] = map[string]any{
			"filament_detected": s.Present(),
			"enabled":           s.Enabled(),
		}
	}
	return out
}

// Static is a Reader with values set directly. It has no debounce and
// therefore does not offer InstantPresence.
type Static struct {
	mu      sync.Mutex
	present map[ID]bool
	reads   map[ID]int
}

// NewStatic returns a Static with the given sensors fitted and absent.
func NewStatic(ids ...ID) *Static {
	s := &Static{present: make(map[ID]bool), reads: make(map[ID]int)}
	for _, id := range ids {
		s.present[id] = false
	}
	return s
}

// Set fits id (if needed) and sets its state.
func (s *Static) Set(id ID, present bool) {
	s.mu.Lock()
	s.present[id] = present
	s.mu.Unlock()
}

// Remove unfits id.
func (s *Static) Remove(id ID) {
	s.mu.Lock()
	delete(s.present, id)
	s.mu.Unlock()
}

func (s *Static) Presence(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[id]++
	return s.present[id]
}

func (s *Static) Available(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.present[id]
	return ok
}

// Reads counts Presence calls for id.
func (s *Static) Reads(id ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id]
}
