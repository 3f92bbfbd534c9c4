// Tool change sequencing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/sensor"
)

type opFunc func(ctx context.Context, lg *log.Logger) error

// run serializes fn against every other movement.
func (m *Manager) run(ctx context.Context, name string, fn opFunc) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.runLocked(ctx, name, fn)
}

func (m *Manager) runLocked(ctx context.Context, name string, fn opFunc) error {
	id := uuid.NewString()
	lg := m.log.With(log.Fields{"op": id[:8]})
	m.setOperation(name)
	defer m.setOperation("")
	if m.runout != nil {
		m.runout.Suspend()
		defer m.runout.Resume()
	}

	lg.Info("%s", name)
	err := fn(ctx, lg)
	if err != nil {
		m.fail(lg, name, err)
	}
	return err
}

func (m *Manager) setOperation(name string) {
	m.mu.Lock()
	m.operation = name
	if name != "" {
		m.lastError = ""
	}
	m.mu.Unlock()
	m.notify()
}

// fail records err and pauses the print when the operator has to act.
func (m *Manager) fail(lg *log.Logger, name string, err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
	lg.WithError(err).Errorf("%s failed", name)

	if !errors.IsOperatorActionable(err) && !errors.IsFatal(err) &&
		!errors.Is(err, errors.ErrHWConsistency) {
		return
	}
	reason := fmt.Sprintf("ACE: %s failed: %v", name, err)
	if m.printer.IsPrinting() {
		if perr := m.printer.Pause(reason); perr != nil {
			lg.WithError(perr).Error("pause")
		}
	}
	m.prompt("%s", reason)
}

// ChangeTool unloads the current tool and loads target. A negative target
// only unloads.
func (m *Manager) ChangeTool(ctx context.Context, target int) error {
	start := time.Now()
	err := m.run(ctx, fmt.Sprintf("change tool to T%d", target), func(ctx context.Context, lg *log.Logger) error {
		return m.changeTool(ctx, lg, target)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.metrics.ToolChange(result, time.Since(start))
	return err
}

// Unload takes the current filament back to its unit.
func (m *Manager) Unload(ctx context.Context) error {
	return m.run(ctx, "unload", func(ctx context.Context, lg *log.Logger) error {
		if err := m.crossCheck(ctx, lg); err != nil {
			return err
		}
		return m.unload(ctx, lg)
	})
}

// FullUnload unloads, then retracts the tail of every ready slot on
// every unit back to the unit.
func (m *Manager) FullUnload(ctx context.Context) error {
	return m.run(ctx, "full unload", func(ctx context.Context, lg *log.Logger) error {
		if err := m.crossCheck(ctx, lg); err != nil {
			return err
		}
		if err := m.unload(ctx, lg); err != nil {
			return err
		}
		for _, u := range m.reg.Units() {
			for slot, s := range u.Slots() {
				if !s.Ready() {
					continue
				}
				if err := u.SmartUnloadSlot(ctx, slot); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// SmartLoad primes every ready slot: each is fed until the toolhead
// sensor confirms the path and then parked again. Nothing may be loaded.
func (m *Manager) SmartLoad(ctx context.Context) error {
	return m.run(ctx, "smart load", func(ctx context.Context, lg *log.Logger) error {
		if err := m.crossCheck(ctx, lg); err != nil {
			return err
		}
		if m.CurrentTool() >= 0 || m.Position() != InStorage {
			return errors.ConsistencyError(fmt.Sprintf("T%d is loaded, unload first", m.CurrentTool()))
		}
		for _, u := range m.reg.Units() {
			p := m.path(u.Index())
			for slot, s := range u.Slots() {
				if !s.Ready() {
					continue
				}
				tool := m.reg.UnitTool(u.Index(), slot)
				lg.Info("priming T%d", tool)
				if err := u.Feed(ctx, slot, p.ParkToUnit, 0); err != nil {
					return err
				}
				m.setPosition(AtMidPathSensor)
				if err := m.feedToSensor(ctx, lg, u, slot, p); err != nil {
					return err
				}
				m.setPosition(AtToolheadSensor)
				if err := u.Retract(ctx, slot, p.ParkToToolhead, 0); err != nil {
					return err
				}
				m.setPosition(AtMidPathSensor)
				if err := u.SmartUnloadSlot(ctx, slot); err != nil {
					return err
				}
				m.setPosition(InStorage)
			}
		}
		return nil
	})
}

// SmartUnload unloads tool. For the current tool (or a negative tool)
// this is Unload; any other tool only has its tail pulled back.
func (m *Manager) SmartUnload(ctx context.Context, tool int) error {
	if tool < 0 || tool == m.CurrentTool() {
		return m.Unload(ctx)
	}
	u, slot, ok := m.reg.ToolToUnit(tool)
	if !ok {
		return errors.InvalidParameterError("ACE_SMART_UNLOAD", "TOOL", strconv.Itoa(tool), "no unit owns this tool")
	}
	return m.run(ctx, fmt.Sprintf("smart unload T%d", tool), func(ctx context.Context, lg *log.Logger) error {
		return u.SmartUnloadSlot(ctx, slot)
	})
}

func (m *Manager) changeTool(ctx context.Context, lg *log.Logger, target int) error {
	if target >= 0 {
		if _, _, ok := m.reg.ToolToUnit(target); !ok {
			return errors.InvalidParameterError("ACE_CHANGE_TOOL", "TOOL", strconv.Itoa(target),
				fmt.Sprintf("must be below %d", m.reg.ToolCount()))
		}
	}
	if err := m.crossCheck(ctx, lg); err != nil {
		return err
	}
	if target >= 0 && target == m.CurrentTool() && m.Position() == AtNozzle {
		lg.Info("T%d already loaded", target)
		return nil
	}
	if err := m.unload(ctx, lg); err != nil {
		return err
	}
	if target < 0 {
		return nil
	}
	return m.loadTool(ctx, lg, target)
}

func (m *Manager) filamentDetected() bool {
	return sensor.AnyPresent(m.sensors, sensor.Toolhead, sensor.ReturnModule)
}

// crossCheck compares the persisted position with the sensors. Filament
// seen while the state says it is stored means an operation was cut
// short; it is unloaded before anything else happens.
func (m *Manager) crossCheck(ctx context.Context, lg *log.Logger) error {
	pos, cur := m.Position(), m.CurrentTool()
	present := m.filamentDetected()
	switch {
	case pos == InStorage && present:
		lg.Warn("state says %s but filament is detected, resyncing", pos)
		if cur < 0 {
			return m.identify(ctx, lg)
		}
		m.setPosition(AtNozzle)
		return m.unloadTool(ctx, lg, cur)
	case pos >= AtToolheadSensor && !present && m.sensors.Available(sensor.Toolhead):
		lg.Warn("state says %s but the toolhead sensor is clear", pos)
	}
	return nil
}

// unload is a no-op when nothing is loaded and nothing is detected.
func (m *Manager) unload(ctx context.Context, lg *log.Logger) error {
	cur := m.CurrentTool()
	if cur >= 0 {
		return m.unloadTool(ctx, lg, cur)
	}
	if m.Position() == InStorage {
		lg.Debug("nothing loaded")
		return nil
	}
	if !m.filamentDetected() {
		m.setPosition(InStorage)
		return nil
	}
	return m.identify(ctx, lg)
}

func (m *Manager) unloadTool(ctx context.Context, lg *log.Logger, tool int) error {
	u, slot, ok := m.reg.ToolToUnit(tool)
	if !ok {
		lg.Warn("current tool T%d has no unit, forgetting it", tool)
		m.setCurrent(-1)
		return nil
	}
	idx := u.Index()
	p := m.path(idx)
	lg.Info("unloading T%d (unit %d slot %d) from %s", tool, idx, slot, m.Position())

	if err := u.DisableFeedAssist(ctx); err != nil {
		lg.WithError(err).Warn("disable feed assist")
	}
	m.setFeedAssist(idx, -1)

	if m.Position() == AtNozzle {
		if err := m.extrude(ctx, -p.ToolheadToNozzle, p.ExtruderSpeed); err != nil {
			return err
		}
		m.setPosition(AtToolheadSensor)
	}
	if m.Position() == AtToolheadSensor {
		if err := u.Retract(ctx, slot, p.ParkToToolhead, 0); err != nil {
			return err
		}
		m.setPosition(AtMidPathSensor)
	}
	if err := u.SmartUnloadSlot(ctx, slot); err != nil {
		return err
	}
	m.setPosition(InStorage)
	m.setCurrent(-1)
	return nil
}

// identify finds which slot the detected filament belongs to by
// retracting each candidate together with the extruder until the sensors
// clear. Candidates that did not clear are fed back. One pass only.
func (m *Manager) identify(ctx context.Context, lg *log.Logger) error {
	tried := 0
	for _, u := range m.reg.Units() {
		p := m.path(u.Index())
		length := int(p.IdentifyLength)
		for slot, s := range u.Slots() {
			if s.Status == ace.SlotEmpty {
				continue
			}
			tried++
			tool := m.reg.UnitTool(u.Index(), slot)
			lg.Info("identifying: testing T%d", tool)
			if err := m.coordinatedRetract(ctx, u, slot, p); err != nil {
				return err
			}
			if !m.filamentDetected() {
				lg.Info("loaded filament is T%d", tool)
				m.setPosition(AtMidPathSensor)
				if err := u.SmartUnloadSlot(ctx, slot); err != nil {
					return err
				}
				m.setPosition(InStorage)
				m.setCurrent(-1)
				return nil
			}
			if err := u.Feed(ctx, slot, length, 0); err != nil {
				lg.WithError(err).Warnf("could not restore T%d after test retraction", tool)
			}
		}
	}
	return errors.IdentifyError(tried)
}

// coordinatedRetract pulls with the extruder and the unit at once.
func (m *Manager) coordinatedRetract(ctx context.Context, u *ace.Unit, slot int, p LoadPath) error {
	done := make(chan error, 1)
	go func() { done <- m.extrude(ctx, -p.IdentifyLength, p.ExtruderSpeed) }()
	uerr := u.Retract(ctx, slot, int(p.IdentifyLength), 0)
	merr := <-done
	if uerr != nil {
		return uerr
	}
	return merr
}

func (m *Manager) loadTool(ctx context.Context, lg *log.Logger, tool int) error {
	u, slot, _ := m.reg.ToolToUnit(tool)
	idx := u.Index()
	p := m.path(idx)

	if err := m.waitSlotReady(ctx, lg, u, slot, tool); err != nil {
		return err
	}
	loaded := u.Slot(slot)
	lg.Info("loading T%d (unit %d slot %d): %s %s %d°C", tool, idx, slot,
		loaded.Material, loaded.ColorHex(), loaded.Temp)

	if err := u.Feed(ctx, slot, p.ParkToUnit, 0); err != nil {
		return err
	}
	m.setPosition(AtMidPathSensor)
	if err := m.feedToSensor(ctx, lg, u, slot, p); err != nil {
		return err
	}
	m.setPosition(AtToolheadSensor)

	if err := u.EnableFeedAssist(ctx, slot); err != nil {
		return err
	}
	m.setFeedAssist(idx, slot)
	m.health.Unit(idx).Establish()

	if err := m.extrude(ctx, p.ToolheadToNozzle, p.ExtruderSpeed); err != nil {
		return err
	}
	m.mu.Lock()
	m.loaded = loaded
	m.mu.Unlock()
	m.setPosition(AtNozzle)
	m.setCurrent(tool)

	if amount := p.PurgeAmount(); amount > 0 {
		lg.Debug("purging %.1fmm", amount)
		if err := m.extrude(ctx, amount, p.PurgeSpeed); err != nil {
			return err
		}
	}
	return nil
}

// feedToSensor feeds the park-to-toolhead length, then small steps until
// the toolhead sensor triggers. Without a sensor the length is trusted.
func (m *Manager) feedToSensor(ctx context.Context, lg *log.Logger, u *ace.Unit, slot int, p LoadPath) error {
	if err := u.Feed(ctx, slot, p.ParkToToolhead, 0); err != nil {
		return err
	}
	if !m.sensors.Available(sensor.Toolhead) {
		return nil
	}
	fed := p.ParkToToolhead
	for attempt := 1; !sensor.Instant(m.sensors, sensor.Toolhead); attempt++ {
		if attempt > m.cfg.SensorFeedRetries {
			return errors.SensorNotReachedError(u.Index(), slot, string(sensor.Toolhead), fed)
		}
		lg.Warn("toolhead sensor not triggered, feeding %dmm more (%d/%d)",
			m.cfg.SensorFeedStep, attempt, m.cfg.SensorFeedRetries)
		if err := u.Feed(ctx, slot, m.cfg.SensorFeedStep, 0); err != nil {
			return err
		}
		fed += m.cfg.SensorFeedStep
	}
	return nil
}

// waitSlotReady prompts the operator and polls until the slot has been
// ready for ReadyDwell, or SlotWaitTimeout expires.
func (m *Manager) waitSlotReady(ctx context.Context, lg *log.Logger, u *ace.Unit, slot, tool int) error {
	if u.Slot(slot).Ready() {
		return nil
	}
	m.prompt("T%d (unit %d slot %d) is empty: insert filament to continue", tool, u.Index(), slot)
	deadline := time.Now().Add(m.cfg.SlotWaitTimeout)
	ticker := time.NewTicker(m.cfg.SlotPollInterval)
	defer ticker.Stop()

	var readySince time.Time
	for {
		if _, err := u.QueryStatus(ctx); err != nil {
			lg.WithError(err).Debug("status poll")
		}
		now := time.Now()
		if u.Slot(slot).Ready() {
			if readySince.IsZero() {
				readySince = now
			}
			if now.Sub(readySince) >= m.cfg.ReadyDwell {
				lg.Info("T%d ready", tool)
				return nil
			}
		} else {
			readySince = time.Time{}
		}
		if now.After(deadline) {
			return errors.SlotNotReadyError(u.Index(), slot,
				fmt.Sprintf("not ready within %s", m.cfg.SlotWaitTimeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) extrude(ctx context.Context, length, speed float64) error {
	if err := m.motion.Extrude(ctx, length, speed); err != nil {
		return err
	}
	return m.motion.WaitMoves(ctx)
}
