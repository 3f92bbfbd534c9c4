// ACE_* command handlers
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/errors"
)

func (d *Dispatcher) registerACECommands() {
	d.RegisterCommand("ACE_CHANGE_TOOL", d.cmdChangeTool, "Unload the current tool and load TOOL (-1 unloads)")
	d.RegisterCommand("ACE_SMART_UNLOAD", d.cmdSmartUnload, "Unload TOOL, or the current tool when omitted")
	d.RegisterCommand("ACE_SMART_LOAD", d.cmdSmartLoad, "Prime every ready slot up to the toolhead sensor and park it")
	d.RegisterCommand("ACE_FULL_UNLOAD", d.cmdFullUnload, "Unload and retract every ready slot to the unit")
	d.RegisterCommand("ACE_FEED", d.cmdFeed, "Feed LENGTH mm from UNIT/INDEX or TOOL [SPEED]")
	d.RegisterCommand("ACE_RETRACT", d.cmdRetract, "Retract LENGTH mm into UNIT/INDEX or TOOL [SPEED]")
	d.RegisterCommand("ACE_STOP_FEED", d.cmdStopFeed, "Abort a feed on UNIT/INDEX or TOOL")
	d.RegisterCommand("ACE_STOP_RETRACT", d.cmdStopRetract, "Abort a retraction on UNIT/INDEX or TOOL")
	d.RegisterCommand("ACE_SET_SLOT", d.cmdSetSlot, "Set MATERIAL, COLOR and TEMP of UNIT/INDEX or TOOL, or EMPTY=1")
	d.RegisterCommand("ACE_START_DRYING", d.cmdStartDrying, "Dry UNIT at TEMP for DURATION minutes")
	d.RegisterCommand("ACE_STOP_DRYING", d.cmdStopDrying, "Stop the dryer of UNIT")
	d.RegisterCommand("ACE_ENABLE_ENDLESS_SPOOL", d.cmdEnableEndless, "Swap to a matching spool on runout")
	d.RegisterCommand("ACE_DISABLE_ENDLESS_SPOOL", d.cmdDisableEndless, "Pause on runout without swapping")
	d.RegisterCommand("ACE_SET_ENDLESS_SPOOL_MODE", d.cmdSetEndlessMode, "Set MODE=exact|material|next")
	d.RegisterCommand("ACE_RECONNECT", d.cmdReconnect, "Drop and redial the link of UNIT")
	d.RegisterCommand("ACE_STATUS", d.cmdStatus, "Report tool, filament position and inventory")
	d.RegisterCommand("ACE_CONNECTION_STATUS", d.cmdConnectionStatus, "Report link health of every unit")
}

// target resolves TOOL, or UNIT (default 0) with INDEX.
func (d *Dispatcher) target(cmd *Command) (unit, slot int, err error) {
	if cmd.Has("TOOL") {
		tool, err := cmd.Int("TOOL", -1)
		if err != nil {
			return 0, 0, err
		}
		u, slot, ok := d.m.ToolToUnit(tool)
		if !ok {
			return 0, 0, errors.InvalidParameterError(cmd.Name, "TOOL", strconv.Itoa(tool),
				fmt.Sprintf("must be 0..%d", d.m.Registry().ToolCount()-1))
		}
		return u.Index(), slot, nil
	}
	if unit, err = cmd.Int("UNIT", 0); err != nil {
		return 0, 0, err
	}
	slot, err = cmd.RequireInt("INDEX")
	if err != nil {
		return 0, 0, err
	}
	if slot < 0 || slot >= ace.SlotsPerUnit {
		return 0, 0, errors.InvalidParameterError(cmd.Name, "INDEX", strconv.Itoa(slot), "must be 0..3")
	}
	return unit, slot, nil
}

func (d *Dispatcher) cmdChangeTool(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.RequireInt("TOOL")
	if err != nil {
		return "", err
	}
	if err := d.m.ChangeTool(ctx, tool); err != nil {
		return "", err
	}
	if tool < 0 {
		return "Tool unloaded", nil
	}
	return fmt.Sprintf("T%d loaded", tool), nil
}

func (d *Dispatcher) cmdSmartUnload(ctx context.Context, cmd *Command) (string, error) {
	tool, err := cmd.Int("TOOL", -1)
	if err != nil {
		return "", err
	}
	if err := d.m.SmartUnload(ctx, tool); err != nil {
		return "", err
	}
	return "Unloaded", nil
}

func (d *Dispatcher) cmdSmartLoad(ctx context.Context, cmd *Command) (string, error) {
	if err := d.m.SmartLoad(ctx); err != nil {
		return "", err
	}
	return "All ready slots primed", nil
}

func (d *Dispatcher) cmdFullUnload(ctx context.Context, cmd *Command) (string, error) {
	if err := d.m.FullUnload(ctx); err != nil {
		return "", err
	}
	return "All slots retracted", nil
}

func (d *Dispatcher) move(ctx context.Context, cmd *Command,
	fn func(ctx context.Context, unit, slot, length, speed int) error) (string, error) {
	unit, slot, err := d.target(cmd)
	if err != nil {
		return "", err
	}
	length, err := cmd.RequireInt("LENGTH")
	if err != nil {
		return "", err
	}
	if length <= 0 {
		return "", errors.InvalidParameterError(cmd.Name, "LENGTH", strconv.Itoa(length), "must be positive")
	}
	speed, err := cmd.Int("SPEED", 0)
	if err != nil {
		return "", err
	}
	if err := fn(ctx, unit, slot, length, speed); err != nil {
		return "", err
	}
	return fmt.Sprintf("unit %d slot %d: %dmm done", unit, slot, length), nil
}

func (d *Dispatcher) cmdFeed(ctx context.Context, cmd *Command) (string, error) {
	return d.move(ctx, cmd, d.m.Feed)
}

func (d *Dispatcher) cmdRetract(ctx context.Context, cmd *Command) (string, error) {
	return d.move(ctx, cmd, d.m.Retract)
}

func (d *Dispatcher) cmdStopFeed(ctx context.Context, cmd *Command) (string, error) {
	unit, slot, err := d.target(cmd)
	if err != nil {
		return "", err
	}
	return "", d.m.StopFeed(ctx, unit, slot)
}

func (d *Dispatcher) cmdStopRetract(ctx context.Context, cmd *Command) (string, error) {
	unit, slot, err := d.target(cmd)
	if err != nil {
		return "", err
	}
	return "", d.m.StopRetract(ctx, unit, slot)
}

func (d *Dispatcher) cmdSetSlot(ctx context.Context, cmd *Command) (string, error) {
	unit, slot, err := d.target(cmd)
	if err != nil {
		return "", err
	}
	empty, err := cmd.Bool("EMPTY", false)
	if err != nil {
		return "", err
	}
	if empty {
		if err := d.m.ClearSlot(unit, slot); err != nil {
			return "", err
		}
		return fmt.Sprintf("unit %d slot %d marked empty", unit, slot), nil
	}

	material := cmd.String("MATERIAL", "")
	var color *[3]uint8
	if raw := cmd.String("COLOR", ""); raw != "" {
		c, ok := ParseColor(raw)
		if !ok {
			return "", errors.InvalidParameterError(cmd.Name, "COLOR", raw, "expected R,G,B or #RRGGBB")
		}
		color = &c
	}
	temp, err := cmd.IntRange("TEMP", 0, 0, 350)
	if err != nil {
		return "", err
	}
	if material == "" && color == nil && temp == 0 {
		return "", errors.MissingParameterError(cmd.Name, "MATERIAL")
	}
	if err := d.m.SetSlot(unit, slot, material, color, temp); err != nil {
		return "", err
	}
	return fmt.Sprintf("unit %d slot %d updated", unit, slot), nil
}

func (d *Dispatcher) cmdStartDrying(ctx context.Context, cmd *Command) (string, error) {
	unit, err := cmd.Int("UNIT", 0)
	if err != nil {
		return "", err
	}
	temp, err := cmd.RequireInt("TEMP")
	if err != nil {
		return "", err
	}
	minutes, err := cmd.Int("DURATION", 240)
	if err != nil {
		return "", err
	}
	if err := d.m.StartDrying(ctx, unit, temp, minutes); err != nil {
		return "", err
	}
	return fmt.Sprintf("unit %d drying at %d°C for %d min", unit, temp, minutes), nil
}

func (d *Dispatcher) cmdStopDrying(ctx context.Context, cmd *Command) (string, error) {
	unit, err := cmd.Int("UNIT", 0)
	if err != nil {
		return "", err
	}
	return "", d.m.StopDrying(ctx, unit)
}

func (d *Dispatcher) cmdEnableEndless(ctx context.Context, cmd *Command) (string, error) {
	if err := d.m.SetEndlessSpool(true); err != nil {
		return "", err
	}
	return fmt.Sprintf("Endless spool enabled (%s)", d.m.Matcher().Mode()), nil
}

func (d *Dispatcher) cmdDisableEndless(ctx context.Context, cmd *Command) (string, error) {
	if err := d.m.SetEndlessSpool(false); err != nil {
		return "", err
	}
	return "Endless spool disabled", nil
}

func (d *Dispatcher) cmdSetEndlessMode(ctx context.Context, cmd *Command) (string, error) {
	raw := cmd.String("MODE", "")
	if raw == "" {
		return "", errors.MissingParameterError(cmd.Name, "MODE")
	}
	mode, err := endless.ParseMode(raw)
	if err != nil {
		return "", errors.InvalidParameterError(cmd.Name, "MODE", raw, "expected exact, material or next")
	}
	if err := d.m.SetEndlessMode(mode); err != nil {
		return "", err
	}
	return fmt.Sprintf("Endless spool mode %s", mode), nil
}

func (d *Dispatcher) cmdReconnect(ctx context.Context, cmd *Command) (string, error) {
	unit, err := cmd.Int("UNIT", 0)
	if err != nil {
		return "", err
	}
	if err := d.m.Reconnect(unit); err != nil {
		return "", err
	}
	return fmt.Sprintf("unit %d reconnecting", unit), nil
}

func (d *Dispatcher) cmdStatus(ctx context.Context, cmd *Command) (string, error) {
	st := d.m.Status()
	var b strings.Builder
	tool := "none"
	if st.CurrentTool >= 0 {
		tool = fmt.Sprintf("T%d", st.CurrentTool)
	}
	fmt.Fprintf(&b, "Tool: %s  Filament: %s", tool, st.Position)
	if st.Operation != "" {
		fmt.Fprintf(&b, "  Busy: %s", st.Operation)
	}
	endlessState := "off"
	if st.EndlessSpool {
		endlessState = st.EndlessMode
	}
	fmt.Fprintf(&b, "\nEndless spool: %s", endlessState)
	if st.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", st.LastError)
	}
	for _, u := range st.Units {
		link := "connected"
		if !u.Connected {
			link = "disconnected"
		}
		fmt.Fprintf(&b, "\nACE %d (%s, %s)", u.Index, link, u.Status)
		if u.Dryer.Active() {
			fmt.Fprintf(&b, " drying %d°C %.0f min left", u.Dryer.TargetTemp, u.Dryer.RemainTime/60)
		}
		for _, s := range u.Slots {
			toolNo := u.Index*ace.SlotsPerUnit + s.Index
			if s.Status == ace.SlotEmpty {
				fmt.Fprintf(&b, "\n  T%d: empty", toolNo)
				continue
			}
			marker := ""
			if u.FeedAssist == s.Index {
				marker = " [feed assist]"
			}
			fmt.Fprintf(&b, "\n  T%d: %s %s %d°C%s", toolNo, s.Material, s.ColorHex(), s.Temp, marker)
		}
	}
	return b.String(), nil
}

func (d *Dispatcher) cmdConnectionStatus(ctx context.Context, cmd *Command) (string, error) {
	st := d.m.Status()
	if len(st.Connections) == 0 {
		return "No units configured", nil
	}
	lines := make([]string, 0, len(st.Connections))
	for _, c := range st.Connections {
		state := "disconnected"
		switch {
		case c.Connected && c.Stable:
			state = "stable"
		case c.Connected:
			state = "unstable"
		}
		line := fmt.Sprintf("ACE %d: %s, %d reconnects, topology %s", c.Index, state, c.Reconnects, c.Current)
		if c.Mismatches > 0 {
			line += fmt.Sprintf(" (%d mismatches, expected %s)", c.Mismatches, c.Expected)
		}
		kinds := make([]string, 0, len(c.Anomalies))
		for kind := range c.Anomalies {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			line += fmt.Sprintf(", %s=%d", kind, c.Anomalies[kind])
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}
