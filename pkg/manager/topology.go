// Reconnect handling and feed-assist restoration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"context"

	"klipper-ace/pkg/health"
	"klipper-ace/pkg/serial"
)

// handleConnect runs after every successful dial of unit idx. Feed
// assist is only re-established when the device came back at the same
// place in the USB tree; otherwise the index may now address a
// different physical unit and the persisted slot is discarded.
func (m *Manager) handleConnect(idx int, fp serial.Fingerprint) {
	m.ops.Lock()
	defer m.ops.Unlock()

	u, ok := m.reg.Unit(idx)
	if !ok {
		return
	}
	lg := m.log.ForUnit("unit", idx)
	verdict := m.health.Unit(idx).CheckTopology(fp)
	lg.Debug("topology %s at %s", verdict, fp)

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if err := u.Refresh(ctx); err != nil {
		lg.WithError(err).Warn("refresh after connect")
	}

	switch verdict {
	case health.VerdictRecorded, health.VerdictMatch:
		m.restoreFeedAssist(ctx, idx)
	case health.VerdictMismatch:
		m.discardUnitState(idx)
		m.metrics.Anomaly(idx, "topology_mismatch")
		m.prompt("unit %d reconnected at %s, expected a different USB position; feed assist not restored", idx, fp)
	case health.VerdictInvalidated:
		m.discardUnitState(idx)
		m.metrics.Anomaly(idx, "topology_invalidated")
		m.prompt("unit %d keeps reconnecting at an unexpected USB position, forcing a fresh connection", idx)
		if link, ok := m.Link(idx); ok {
			link.Reconnect()
		}
	}
	m.notify()
}

func (m *Manager) restoreFeedAssist(ctx context.Context, idx int) {
	slot := m.FeedAssistIndex(idx)
	if slot < 0 {
		return
	}
	u, _ := m.reg.Unit(idx)
	lg := m.log.ForUnit("unit", idx)
	if !u.Slot(slot).Ready() {
		lg.Warn("feed assist slot %d is no longer ready, clearing it", slot)
		m.setFeedAssist(idx, -1)
		return
	}
	if err := u.EnableFeedAssist(ctx, slot); err != nil {
		lg.WithError(err).Warnf("restore feed assist on slot %d", slot)
		return
	}
	m.health.Unit(idx).Establish()
	lg.Info("feed assist restored on slot %d", slot)
}

// discardUnitState forgets the feed-assist slot without commanding the
// device. A current tool on that unit is dropped too; the position is
// kept so the next operation identifies what is really loaded.
func (m *Manager) discardUnitState(idx int) {
	if u, ok := m.reg.Unit(idx); ok {
		u.ForgetFeedAssist()
	}
	m.setFeedAssist(idx, -1)
	if u, _, ok := m.reg.ToolToUnit(m.CurrentTool()); ok && u.Index() == idx {
		m.log.ForUnit("unit", idx).Warn("forgetting current tool T%d", m.CurrentTool())
		m.setCurrent(-1)
	}
}
