// Unit registry and tool mapping
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"sort"
	"sync"

	"klipper-ace/pkg/ace"
)

// Registry owns the units by index. Global tool t lives on unit t/4,
// slot t%4; indices must be contiguous from 0.
type Registry struct {
	mu    sync.RWMutex
	units []*ace.Unit
}

func NewRegistry() *Registry { return &Registry{} }

// Add registers u, keeping units ordered by index.
func (r *Registry) Add(u *ace.Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units = append(r.units, u)
	sort.Slice(r.units, func(i, j int) bool { return r.units[i].Index() < r.units[j].Index() })
}

// Unit returns the unit with index i.
func (r *Registry) Unit(i int) (*ace.Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.units) || r.units[i].Index() != i {
		return nil, false
	}
	return r.units[i], true
}

func (r *Registry) Units() []*ace.Unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*ace.Unit(nil), r.units...)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.units)
}

func (r *Registry) ToolCount() int { return r.Count() * ace.SlotsPerUnit }

// ToolToUnit maps a global tool to its unit and local slot.
func (r *Registry) ToolToUnit(tool int) (*ace.Unit, int, bool) {
	if tool < 0 {
		return nil, -1, false
	}
	u, ok := r.Unit(tool / ace.SlotsPerUnit)
	if !ok {
		return nil, -1, false
	}
	return u, tool % ace.SlotsPerUnit, true
}

// UnitTool is the inverse of ToolToUnit; -1 for an invalid pair.
func (r *Registry) UnitTool(unit, slot int) int {
	if slot < 0 || slot >= ace.SlotsPerUnit {
		return -1
	}
	if _, ok := r.Unit(unit); !ok {
		return -1
	}
	return unit*ace.SlotsPerUnit + slot
}

// SlotForTool returns a copy of the tool's slot.
func (r *Registry) SlotForTool(tool int) (ace.Slot, bool) {
	u, slot, ok := r.ToolToUnit(tool)
	if !ok {
		return ace.Slot{}, false
	}
	return u.Slot(slot), true
}

func (r *Registry) SetSearching(tool int, on bool) {
	if u, slot, ok := r.ToolToUnit(tool); ok {
		u.SetSearching(slot, on)
	}
}

func (r *Registry) MarkEmpty(tool int) {
	if u, slot, ok := r.ToolToUnit(tool); ok {
		u.MarkEmpty(slot)
	}
}
