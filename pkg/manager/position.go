// Global filament position
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package manager

// Position is where the loaded filament's tip is believed to be. The
// values are ordered from the unit towards the nozzle.
type Position int

const (
	InStorage Position = iota
	AtMidPathSensor
	AtToolheadSensor
	AtNozzle
)

var positionNames = [...]string{
	InStorage:        "in-storage",
	AtMidPathSensor:  "at-mid-path-sensor",
	AtToolheadSensor: "at-toolhead-sensor",
	AtNozzle:         "at-nozzle",
}

func (p Position) String() string {
	if p < InStorage || p > AtNozzle {
		return "unknown"
	}
	return positionNames[p]
}

// ParsePosition reads a persisted name. Unknown names map to InStorage so
// that a corrupt value falls back to the sensor cross-check.
func ParsePosition(s string) (Position, bool) {
	for i, n := range positionNames {
		if n == s {
			return Position(i), true
		}
	}
	return InStorage, false
}

func (p Position) MarshalText() ([]byte, error) { return []byte(p.String()), nil }
