// [ace] section
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strings"
	"time"

	"klipper-ace/pkg/errors"
)

const SectionACE = "ace"

// UnitConfig is the fully resolved configuration of one unit.
type UnitConfig struct {
	Index int
	// Serial is a device path, "tcp:<host:port>" for a simulated unit, or
	// empty to pick the Index'th ACE found on the USB bus.
	Serial string
	Baud   int

	FeedSpeed    int
	RetractSpeed int

	ToolheadSensorToNozzle float64
	ParkToToolhead         float64
	ParkToUnit             int
	ExtruderFeedLength     float64
	ExtruderFeedSpeed      float64
	PurgeLength            float64
	PurgeMultiplier        float64
	PurgeSpeed             float64

	RFIDTempMode       string
	ReturnModuleSensor bool

	MaxInflight    int
	RequestTimeout time.Duration
	StatusInterval time.Duration
	ReadyTimeout   time.Duration
}

// ACEConfig is the parsed [ace] section.
type ACEConfig struct {
	Units []UnitConfig

	RunoutDebounce     int
	RunoutPollInterval time.Duration
	EndlessSpool       bool
	EndlessSpoolMode   string
	MaxSwapAttempts    int

	SlotWaitTimeout time.Duration
	ReadyDwell      time.Duration

	TopologyFailureThreshold int
	ReconnectWindow          time.Duration
	MaxReconnects            int
	MinStableDuration        time.Duration

	StateFile    string
	StateBackend string

	APIListen     string
	APIAdvertise  bool
	MetricsListen string
	SyncURL       string
	SyncInterval  time.Duration
}

var (
	tempModes    = []string{"average", "min", "max"}
	endlessModes = []string{"exact", "material", "next"}
	backends     = []string{"yaml", "sqlite", "memory"}
)

// ParseACE resolves the [ace] section.
func ParseACE(c *Config) (*ACEConfig, error) {
	sec, err := c.GetSection(SectionACE)
	if err != nil {
		return nil, err
	}
	count, err := sec.GetIntWithBounds("ace_count", 1, 8, 1)
	if err != nil {
		return nil, err
	}

	ac := &ACEConfig{}
	for i := 0; i < count; i++ {
		u, err := parseUnit(sec.ForUnit(i), i)
		if err != nil {
			return nil, err
		}
		ac.Units = append(ac.Units, u)
	}
	if err := parseGlobal(sec, ac); err != nil {
		return nil, err
	}
	return ac, nil
}

func parseUnit(s *Section, index int) (UnitConfig, error) {
	u := UnitConfig{Index: index}
	var err error
	set := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	set(func() (e error) { u.Serial, e = s.Get("serial", ""); return })
	set(func() (e error) { u.Baud, e = s.GetIntWithBounds("baud", 9600, 0, 115200); return })
	set(func() (e error) { u.FeedSpeed, e = s.GetIntWithBounds("feed_speed", 1, 400, 60); return })
	set(func() (e error) { u.RetractSpeed, e = s.GetIntWithBounds("retract_speed", 1, 400, 50); return })
	set(func() (e error) {
		u.ToolheadSensorToNozzle, e = s.GetFloatAbove("toolhead_sensor_to_nozzle", 0, 60)
		return
	})
	set(func() (e error) {
		u.ParkToToolhead, e = s.GetFloatAbove("parkposition_to_toolhead_length", 0, 1000)
		return
	})
	set(func() (e error) { u.ParkToUnit, e = s.GetIntWithBounds("parkposition_to_unit", 1, 0, 100); return })
	set(func() (e error) { u.ExtruderFeedLength, e = s.GetFloatAbove("extruder_feed_length", 0, 60); return })
	set(func() (e error) { u.ExtruderFeedSpeed, e = s.GetFloatAbove("extruder_feed_speed", 0, 5); return })
	set(func() (e error) { u.PurgeLength, e = s.GetFloat("purge_length", 50); return })
	set(func() (e error) { u.PurgeMultiplier, e = s.GetFloat("purge_multiplier", 1.0); return })
	set(func() (e error) { u.PurgeSpeed, e = s.GetFloatAbove("purge_speed", 0, 5); return })
	set(func() (e error) { u.RFIDTempMode, e = s.GetChoice("rfid_temp_mode", tempModes, "average"); return })
	set(func() (e error) { u.ReturnModuleSensor, e = s.GetBool("return_module_sensor", false); return })
	set(func() (e error) { u.MaxInflight, e = s.GetIntWithBounds("max_inflight", 1, 32, 4); return })
	set(func() (e error) { u.RequestTimeout, e = s.GetDuration("request_timeout", 5*time.Second); return })
	set(func() (e error) { u.StatusInterval, e = s.GetDuration("status_interval", time.Second); return })
	set(func() (e error) { u.ReadyTimeout, e = s.GetDuration("ready_timeout", 60*time.Second); return })
	if err != nil {
		return u, err
	}
	if u.PurgeLength < 0 || u.PurgeMultiplier < 0 {
		return u, errors.ConfigValidationError(s.name, "purge_length", "purge amount must not be negative").
			SetUnit(index)
	}
	return u, nil
}

func parseGlobal(s *Section, ac *ACEConfig) error {
	var err error
	set := func(fn func() error) {
		if err == nil {
			err = fn()
		}
	}
	set(func() (e error) { ac.RunoutDebounce, e = s.GetIntWithBounds("runout_debounce", 1, 100, 1); return })
	set(func() (e error) {
		ac.RunoutPollInterval, e = s.GetDuration("runout_poll_interval", 50*time.Millisecond)
		return
	})
	set(func() (e error) { ac.EndlessSpool, e = s.GetBool("endless_spool", false); return })
	set(func() (e error) {
		ac.EndlessSpoolMode, e = s.GetChoice("endless_spool_mode", endlessModes, "exact")
		return
	})
	set(func() (e error) { ac.MaxSwapAttempts, e = s.GetIntWithBounds("max_swap_attempts", 1, 10, 3); return })
	set(func() (e error) { ac.SlotWaitTimeout, e = s.GetDuration("slot_wait_timeout", 300*time.Second); return })
	set(func() (e error) { ac.ReadyDwell, e = s.GetDuration("ready_dwell", 2*time.Second); return })
	set(func() (e error) {
		ac.TopologyFailureThreshold, e = s.GetIntWithBounds("topology_failure_threshold", 1, 100, 3)
		return
	})
	set(func() (e error) { ac.ReconnectWindow, e = s.GetDuration("reconnect_window", 60*time.Second); return })
	set(func() (e error) { ac.MaxReconnects, e = s.GetIntWithBounds("max_reconnects", 1, 100, 3); return })
	set(func() (e error) {
		ac.MinStableDuration, e = s.GetDuration("min_stable_duration", 10*time.Second)
		return
	})
	set(func() (e error) { ac.StateFile, e = s.Get("state_file", "~/printer_data/ace_state.yaml"); return })
	set(func() (e error) { ac.StateBackend, e = s.GetChoice("state_backend", backends, "yaml"); return })
	set(func() (e error) { ac.APIListen, e = s.Get("api_listen", "127.0.0.1:7130"); return })
	set(func() (e error) { ac.APIAdvertise, e = s.GetBool("api_advertise", false); return })
	set(func() (e error) { ac.MetricsListen, e = s.Get("metrics_listen", ""); return })
	set(func() (e error) { ac.SyncURL, e = s.Get("sync_url", ""); return })
	set(func() (e error) { ac.SyncInterval, e = s.GetDuration("sync_interval", 30*time.Second); return })
	if err != nil {
		return err
	}
	if ac.SyncURL != "" && !strings.HasPrefix(ac.SyncURL, "http://") && !strings.HasPrefix(ac.SyncURL, "https://") {
		return errors.ConfigValidationError(s.name, "sync_url", fmt.Sprintf("%q is not an http(s) URL", ac.SyncURL))
	}
	return nil
}

// ToolCount is the number of global tool indices.
func (ac *ACEConfig) ToolCount() int { return len(ac.Units) * 4 }
