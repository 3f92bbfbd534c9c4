// Persisted orchestrator state
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"fmt"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/state"
)

const (
	keyCurrentTool    = "ace_current_index"
	keyPosition       = "ace_filament_pos"
	keyEndlessEnabled = "ace_endless_spool_enabled"
	keyEndlessMode    = "ace_endless_spool_match_mode"
)

func keyInventory(unit int) string  { return fmt.Sprintf("ace_inventory_%d", unit) }
func keyFeedAssist(unit int) string { return fmt.Sprintf("ace_feed_assist_index_%d", unit) }

// slotRecord is the persisted form of a slot.
type slotRecord struct {
	Status   string `json:"status" yaml:"status"`
	Material string `json:"material,omitempty" yaml:"material,omitempty"`
	Color    []int  `json:"color" yaml:"color"`
	Temp     int    `json:"temp,omitempty" yaml:"temp,omitempty"`
	RFID     bool   `json:"rfid,omitempty" yaml:"rfid,omitempty"`
}

func toRecords(slots [ace.SlotsPerUnit]ace.Slot) []slotRecord {
	out := make([]slotRecord, len(slots))
	for i, s := range slots {
		st := s.Status
		if st == ace.SlotSearching {
			st = ace.SlotReady
		}
		out[i] = slotRecord{
			Status:   string(st),
			Material: s.Material,
			Color:    []int{int(s.Color[0]), int(s.Color[1]), int(s.Color[2])},
			Temp:     s.Temp,
			RFID:     s.RFID,
		}
	}
	return out
}

func fromRecords(recs []slotRecord) [ace.SlotsPerUnit]ace.Slot {
	var slots [ace.SlotsPerUnit]ace.Slot
	for i := range slots {
		slots[i] = ace.Slot{Index: i, Status: ace.SlotEmpty}
		if i >= len(recs) {
			continue
		}
		r := recs[i]
		if ace.SlotStatus(r.Status) != ace.SlotReady {
			continue
		}
		s := ace.Slot{Index: i, Status: ace.SlotReady, Material: r.Material, Temp: r.Temp, RFID: r.RFID}
		for c := 0; c < 3 && c < len(r.Color); c++ {
			s.Color[c] = uint8(r.Color[c])
		}
		slots[i] = s
	}
	return slots
}

// restoreGlobals loads tool, position and endless-spool settings.
func (m *Manager) restoreGlobals() {
	pos := state.String(m.store, keyPosition, InStorage.String())
	p, ok := ParsePosition(pos)
	if !ok {
		m.log.Warn("unknown persisted filament position %q, assuming %s", pos, InStorage)
	}
	m.mu.Lock()
	m.current = state.Int(m.store, keyCurrentTool, -1)
	m.position = p
	m.mu.Unlock()

	if _, ok := m.store.Get(keyEndlessEnabled); ok {
		m.matcher.SetEnabled(state.Bool(m.store, keyEndlessEnabled, false))
	}
	if raw, ok := m.store.Get(keyEndlessMode); ok {
		if mode, err := endless.ParseMode(fmt.Sprint(raw)); err == nil {
			m.matcher.SetMode(mode)
		}
	}
	m.log.Info("restored tool T%d, filament %s", m.CurrentTool(), m.Position())
}

// restoreUnit loads a unit's inventory and feed-assist slot.
func (m *Manager) restoreUnit(u *ace.Unit) {
	idx := u.Index()
	var recs []slotRecord
	if ok, err := state.Decode(m.store, keyInventory(idx), &recs); err != nil {
		m.log.WithError(err).Warnf("ignoring persisted inventory of unit %d", idx)
	} else if ok {
		u.Restore(fromRecords(recs))
	}
	m.mu.Lock()
	m.feedAssist[idx] = state.Int(m.store, keyFeedAssist(idx), -1)
	m.mu.Unlock()
}

// persistInventory is the unit OnChange hook.
func (m *Manager) persistInventory(unit int, slots [ace.SlotsPerUnit]ace.Slot) {
	if err := m.store.Set(keyInventory(unit), toRecords(slots)); err != nil {
		m.log.WithError(err).Errorf("persist inventory of unit %d", unit)
	}
	m.notify()
}

func (m *Manager) setPosition(p Position) {
	m.mu.Lock()
	changed := m.position != p
	m.position = p
	m.mu.Unlock()
	if !changed {
		return
	}
	m.log.Debug("filament position %s", p)
	if err := m.store.Set(keyPosition, p.String()); err != nil {
		m.log.WithError(err).Error("persist filament position")
	}
	m.notify()
}

func (m *Manager) setCurrent(tool int) {
	m.mu.Lock()
	m.current = tool
	m.mu.Unlock()
	if err := m.store.Set(keyCurrentTool, tool); err != nil {
		m.log.WithError(err).Error("persist current tool")
	}
	m.notify()
}

func (m *Manager) setFeedAssist(unit, slot int) {
	m.mu.Lock()
	m.feedAssist[unit] = slot
	m.mu.Unlock()
	if err := m.store.Set(keyFeedAssist(unit), slot); err != nil {
		m.log.WithError(err).Errorf("persist feed assist of unit %d", unit)
	}
}
