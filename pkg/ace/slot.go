// ACE slot inventory
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ace

import (
	"fmt"
	"strings"

	"klipper-ace/pkg/protocol"
)

// SlotsPerUnit is the number of bays in one ACE.
const SlotsPerUnit = 4

// SlotStatus is the inventory state of a bay.
type SlotStatus string

const (
	SlotEmpty SlotStatus = "empty"
	SlotReady SlotStatus = "ready"
	// SlotSearching marks a bay probed by the endless spool matcher.
	SlotSearching SlotStatus = "searching"
)

// Placeholders applied to ready slots the unit reports no metadata for.
const (
	UnknownMaterial = "Unknown"
	DefaultTemp     = 220
)

var White = [3]uint8{255, 255, 255}

// RFIDInfo is the tag data read from an identified spool.
type RFIDInfo struct {
	SKU             string  `json:"sku"`
	Brand           string  `json:"brand"`
	TempMin         int     `json:"temp_min"`
	TempMax         int     `json:"temp_max"`
	BedTempMin      int     `json:"bed_temp_min"`
	BedTempMax      int     `json:"bed_temp_max"`
	Diameter        float64 `json:"diameter"`
	TotalLength     float64 `json:"total_length"`
	RemainingLength float64 `json:"remaining_length"`
}

// Slot is one bay. A ready slot always has a material and a temperature.
type Slot struct {
	Index    int        `json:"index"`
	Status   SlotStatus `json:"status"`
	Material string     `json:"material"`
	Color    [3]uint8   `json:"color"`
	Temp     int        `json:"temp"`
	RFID     bool       `json:"rfid"`
	Info     *RFIDInfo  `json:"rfid_info,omitempty"`
}

// Ready reports whether the slot can be loaded.
func (s Slot) Ready() bool { return s.Status == SlotReady }

// IsUnknown reports whether the material was never identified.
func (s Slot) IsUnknown() bool {
	return s.Material == "" || strings.EqualFold(s.Material, UnknownMaterial)
}

// ColorHex renders the color as #RRGGBB.
func (s Slot) ColorHex() string {
	return fmt.Sprintf("#%02X%02X%02X", s.Color[0], s.Color[1], s.Color[2])
}

func (s Slot) clone() Slot {
	if s.Info != nil {
		info := *s.Info
		s.Info = &info
	}
	return s
}

// clearMetadata resets a slot the unit reports empty.
func (s *Slot) clearMetadata() {
	*s = Slot{Index: s.Index, Status: SlotEmpty}
}

// fillPlaceholders enforces the ready-slot invariant.
func (s *Slot) fillPlaceholders() {
	if s.Status != SlotReady && s.Status != SlotSearching {
		return
	}
	if s.Material == "" {
		s.Material = UnknownMaterial
		if s.Color == ([3]uint8{}) {
			s.Color = White
		}
	}
	if s.Temp <= 0 {
		s.Temp = MaterialTemp(s.Material)
	}
}

// TempMode reduces an RFID (min, max) range to one print temperature.
type TempMode string

const (
	TempAverage TempMode = "average"
	TempMin     TempMode = "min"
	TempMax     TempMode = "max"
)

func ParseTempMode(s string) (TempMode, error) {
	switch m := TempMode(strings.ToLower(strings.TrimSpace(s))); m {
	case TempAverage, TempMin, TempMax:
		return m, nil
	case "":
		return TempAverage, nil
	}
	return "", fmt.Errorf("invalid rfid temperature mode %q (want average, min or max)", s)
}

// Reduce picks the temperature for r; zero means the range is unusable.
func (m TempMode) Reduce(r protocol.TempRange) int {
	lo, hi := r.Min, r.Max
	if lo <= 0 && hi <= 0 {
		return 0
	}
	if lo <= 0 {
		lo = hi
	}
	if hi <= 0 {
		hi = lo
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	switch m {
	case TempMin:
		return lo
	case TempMax:
		return hi
	}
	return (lo + hi) / 2
}

// materialTemps are fallback nozzle temperatures by material name.
var materialTemps = map[string]int{
	"PLA":      200,
	"PLA+":     210,
	"PLA-CF":   215,
	"SILK PLA": 215,
	"PETG":     235,
	"PETG-CF":  240,
	"ABS":      240,
	"ASA":      245,
	"TPU":      220,
	"PA":       260,
	"PA-CF":    270,
	"PC":       270,
	"PVA":      195,
	"HIPS":     230,
}

// MaterialTemp returns the fallback temperature for a material name.
func MaterialTemp(material string) int {
	if t, ok := materialTemps[strings.ToUpper(strings.TrimSpace(material))]; ok {
		return t
	}
	return DefaultTemp
}

func colorFrom(c []int) ([3]uint8, bool) {
	if len(c) < 3 {
		return [3]uint8{}, false
	}
	var out [3]uint8
	for i := 0; i < 3; i++ {
		v := c[i]
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[i] = uint8(v)
	}
	return out, true
}
