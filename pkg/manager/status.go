// Orchestrator status reporting
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/health"
)

// Status is the reportable state of the whole system.
type Status struct {
	CurrentTool  int               `json:"current_tool"`
	Position     Position          `json:"filament_position"`
	Busy         bool              `json:"busy"`
	Operation    string            `json:"operation,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	EndlessSpool bool              `json:"endless_spool"`
	EndlessMode  string            `json:"endless_spool_mode"`
	Printing     bool              `json:"printing"`
	Units        []ace.UnitStatus  `json:"units"`
	Runout       map[string]any    `json:"runout,omitempty"`
	Connections  []health.Snapshot `json:"connections"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		CurrentTool: m.current,
		Position:    m.position,
		Operation:   m.operation,
		LastError:   m.lastError,
	}
	m.mu.Unlock()

	st.Busy = m.Busy()
	st.EndlessSpool = m.matcher.Enabled()
	st.EndlessMode = string(m.matcher.Mode())
	st.Printing = m.printer.IsPrinting()
	for _, u := range m.reg.Units() {
		st.Units = append(st.Units, u.Snapshot())
	}
	if m.runout != nil {
		st.Runout = m.runout.Status()
	}
	st.Connections = m.health.Snapshots()
	return st
}

// ConnectionsStable reports whether every unit link is stable.
func (m *Manager) ConnectionsStable() bool { return m.health.AllStable() }
