// Runout handling and endless spool
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"context"
	"fmt"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/log"
)

func (m *Manager) runoutHandler(tool int) {
	if err := m.HandleRunout(m.ctx, tool); err != nil {
		m.log.WithError(err).Warnf("runout on T%d left the print paused", tool)
	}
}

// HandleRunout pauses the print and, with endless spool enabled, swaps
// to a matching spool and resumes. Without a match the print stays
// paused for the operator.
func (m *Manager) HandleRunout(ctx context.Context, tool int) error {
	ref := m.runoutReference(tool)
	if err := m.printer.Pause(fmt.Sprintf("ACE: filament runout on T%d", tool)); err != nil {
		m.log.WithError(err).Error("pause on runout")
	}
	if !m.matcher.Enabled() {
		m.prompt("T%d ran out; load filament and resume", tool)
		return nil
	}

	var target int
	err := m.run(ctx, fmt.Sprintf("endless spool from T%d", tool), func(ctx context.Context, lg *log.Logger) error {
		// The depleted spool comes out once; failures there are not a
		// candidate's fault.
		if err := m.changeTool(ctx, lg, -1); err != nil {
			return err
		}
		var err error
		target, err = m.matcher.Swap(ctx, tool, ref, func(ctx context.Context, depleted, target int) error {
			return m.swapLoad(ctx, lg, target)
		})
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info("endless spool: T%d replaced by T%d, resuming", tool, target)
	return m.printer.Resume()
}

// swapLoad loads a candidate into an empty path. A candidate that fails
// part way is parked again so the next one starts clean; if that fails
// the path is blocked and the search stops.
func (m *Manager) swapLoad(ctx context.Context, lg *log.Logger, target int) error {
	err := m.loadTool(ctx, lg, target)
	if err == nil {
		return nil
	}
	if m.Position() != InStorage {
		if uerr := m.unloadTool(ctx, lg, target); uerr != nil {
			return endless.Abort(uerr)
		}
	}
	return err
}

// runoutReference is the metadata of the spool that was loaded. The
// slot itself may already report empty by the time runout is confirmed.
func (m *Manager) runoutReference(tool int) ace.Slot {
	m.mu.Lock()
	loaded, cur := m.loaded, m.current
	m.mu.Unlock()
	if cur == tool && loaded.Material != "" {
		return loaded
	}
	s, _ := m.reg.SlotForTool(tool)
	return s
}
