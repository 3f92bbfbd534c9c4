// Direct unit operations
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"context"
	"fmt"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
)

// unitFor returns unit i or an error naming the command that asked.
func (m *Manager) unitFor(cmd string, i int) (*ace.Unit, error) {
	u, ok := m.reg.Unit(i)
	if !ok {
		return nil, errors.InvalidParameterError(cmd, "UNIT", fmt.Sprint(i),
			fmt.Sprintf("must be below %d", m.reg.Count()))
	}
	return u, nil
}

// Feed moves filament from a slot towards the toolhead. Moves are
// serialized with tool changes.
func (m *Manager) Feed(ctx context.Context, unit, slot, length, speed int) error {
	u, err := m.unitFor("ACE_FEED", unit)
	if err != nil {
		return err
	}
	return m.run(ctx, fmt.Sprintf("feed %dmm unit %d slot %d", length, unit, slot),
		func(ctx context.Context, lg *log.Logger) error {
			return u.Feed(ctx, slot, length, speed)
		})
}

// Retract pulls filament back into a slot.
func (m *Manager) Retract(ctx context.Context, unit, slot, length, speed int) error {
	u, err := m.unitFor("ACE_RETRACT", unit)
	if err != nil {
		return err
	}
	return m.run(ctx, fmt.Sprintf("retract %dmm unit %d slot %d", length, unit, slot),
		func(ctx context.Context, lg *log.Logger) error {
			return u.Retract(ctx, slot, length, speed)
		})
}

// StopFeed aborts a feed without waiting for the running move, so it
// bypasses the operation lock.
func (m *Manager) StopFeed(ctx context.Context, unit, slot int) error {
	u, err := m.unitFor("ACE_STOP_FEED", unit)
	if err != nil {
		return err
	}
	return u.StopFeed(ctx, slot)
}

func (m *Manager) StopRetract(ctx context.Context, unit, slot int) error {
	u, err := m.unitFor("ACE_STOP_RETRACT", unit)
	if err != nil {
		return err
	}
	return u.StopRetract(ctx, slot)
}

// SetSlot overrides the metadata of a slot; the inventory hook persists it.
func (m *Manager) SetSlot(unit, slot int, material string, color *[3]uint8, temp int) error {
	u, err := m.unitFor("ACE_SET_SLOT", unit)
	if err != nil {
		return err
	}
	return u.SetSlot(slot, material, color, temp)
}

func (m *Manager) StartDrying(ctx context.Context, unit, temp, minutes int) error {
	u, err := m.unitFor("ACE_START_DRYING", unit)
	if err != nil {
		return err
	}
	return u.StartDrying(ctx, temp, minutes)
}

func (m *Manager) StopDrying(ctx context.Context, unit int) error {
	u, err := m.unitFor("ACE_STOP_DRYING", unit)
	if err != nil {
		return err
	}
	return u.StopDrying(ctx)
}

// Reconnect drops and redials the link of unit i.
func (m *Manager) Reconnect(unit int) error {
	link, ok := m.Link(unit)
	if !ok {
		return errors.InvalidParameterError("ACE_RECONNECT", "UNIT", fmt.Sprint(unit), "no such unit")
	}
	m.log.Info("reconnect of unit %d requested", unit)
	link.Reconnect()
	return nil
}

// ClearSlot records a slot as empty until the unit reports it again.
func (m *Manager) ClearSlot(unit, slot int) error {
	u, err := m.unitFor("ACE_SET_SLOT", unit)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= ace.SlotsPerUnit {
		return errors.InvalidParameterError("ACE_SET_SLOT", "INDEX", fmt.Sprint(slot), "must be 0..3")
	}
	u.MarkEmpty(slot)
	return nil
}
