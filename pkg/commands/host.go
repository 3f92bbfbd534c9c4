// Host integration commands
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/host"
	"klipper-ace/pkg/sensor"
)

// RegisterHostCommands adds the commands a printer host uses to feed
// sensor edges and print state into a standalone daemon, typically from
// gcode_button and print start/end macros.
func (d *Dispatcher) RegisterHostCommands(bank *sensor.Bank, printer *host.Standalone) {
	if bank != nil {
		d.RegisterCommand("ACE_SENSOR", func(ctx context.Context, cmd *Command) (string, error) {
			return cmdSensor(bank, cmd)
		}, "Report SENSOR=toolhead|return_module PRESENT=0|1 [ENABLE=0|1]")
	}
	if printer != nil {
		d.RegisterCommand("ACE_PRINT", func(ctx context.Context, cmd *Command) (string, error) {
			return cmdPrint(printer, cmd)
		}, "Set print STATE=start|end|pause|resume")
	}
}

func cmdSensor(bank *sensor.Bank, cmd *Command) (string, error) {
	if !cmd.Has("SENSOR") {
		var lines []string
		for id, st := range bank.Status() {
			s := st.(map[string]any)
			lines = append(lines, fmt.Sprintf("%s: detected=%v enabled=%v", id, s["filament_detected"], s["enabled"]))
		}
		sort.Strings(lines)
		return strings.Join(lines, "\n"), nil
	}
	id := sensor.ID(strings.ToLower(cmd.String("SENSOR", "")))
	sw := bank.Get(id)
	if sw == nil {
		return "", errors.InvalidParameterError(cmd.Name, "SENSOR", string(id), "no such sensor")
	}
	if cmd.Has("ENABLE") {
		on, err := cmd.Bool("ENABLE", true)
		if err != nil {
			return "", err
		}
		sw.SetEnabled(on)
	}
	if cmd.Has("PRESENT") {
		present, err := cmd.Bool("PRESENT", false)
		if err != nil {
			return "", err
		}
		sw.HandleButtonState(present)
	}
	return fmt.Sprintf("%s: detected=%v enabled=%v", id, sw.Present(), sw.Enabled()), nil
}

func cmdPrint(p *host.Standalone, cmd *Command) (string, error) {
	if !cmd.Has("STATE") {
		return "", errors.MissingParameterError(cmd.Name, "STATE")
	}
	switch state := strings.ToLower(cmd.String("STATE", "")); state {
	case "start":
		p.SetPrinting(true)
	case "end", "cancel":
		p.SetPrinting(false)
	case "pause":
		_ = p.Pause("paused by host")
	case "resume":
		_ = p.Resume()
	default:
		return "", errors.InvalidParameterError(cmd.Name, "STATE", state, "expected start, end, pause or resume")
	}
	paused, reason := p.Paused()
	if paused {
		return "Print paused: " + reason, nil
	}
	return fmt.Sprintf("Printing: %v", p.IsPrinting()), nil
}
