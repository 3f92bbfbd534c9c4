// Config section access and per-unit overrides
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"klipper-ace/pkg/errors"
)

type tracker struct {
	mu       sync.Mutex
	accessed map[string]struct{}
}

func (t *tracker) mark(option string) {
	t.mu.Lock()
	t.accessed[strings.ToLower(option)] = struct{}{}
	t.mu.Unlock()
}

// Section provides access to a config section with access tracking.
//
// Values may carry per-unit overrides: "60,1:80" is 60 for every unit
// except unit 1, which gets 80. A plain Section reads the global part;
// ForUnit returns a view resolving one unit's value.
type Section struct {
	name    string
	options map[string]string
	track   *tracker
	unit    int
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:    name,
		options: opts,
		track:   &tracker{accessed: make(map[string]struct{})},
		unit:    -1,
	}
}

func (s *Section) GetName() string { return s.name }

// ForUnit returns a view of the section that resolves overrides for unit.
// Access tracking is shared with s.
func (s *Section) ForUnit(unit int) *Section {
	v := *s
	v.unit = unit
	return &v
}

// GetUnusedOptions returns options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.track.mu.Lock()
	defer s.track.mu.Unlock()
	var out []string
	for opt := range s.options {
		if _, ok := s.track.accessed[opt]; !ok {
			out = append(out, opt)
		}
	}
	return out
}

func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// PerUnit is an option value split into its global part and overrides.
type PerUnit struct {
	Global    string
	Overrides map[int]string
}

// ParsePerUnit splits "global,<unit>:<value>,...". A value whose comma
// separated tail is not entirely "<int>:" prefixed is taken verbatim as the
// global part.
func ParsePerUnit(raw string) PerUnit {
	parts := strings.Split(raw, ",")
	pu := PerUnit{Global: strings.TrimSpace(raw)}
	if len(parts) < 2 {
		return pu
	}
	overrides := make(map[int]string, len(parts)-1)
	for _, p := range parts[1:] {
		idx := strings.IndexByte(p, ':')
		if idx <= 0 {
			return pu
		}
		unit, err := strconv.Atoi(strings.TrimSpace(p[:idx]))
		if err != nil || unit < 0 {
			return pu
		}
		overrides[unit] = strings.TrimSpace(p[idx+1:])
	}
	pu.Global = strings.TrimSpace(parts[0])
	pu.Overrides = overrides
	return pu
}

// For resolves the value for unit; a negative unit reads the global part.
func (p PerUnit) For(unit int) string {
	if v, ok := p.Overrides[unit]; ok && unit >= 0 {
		return v
	}
	return p.Global
}

// lookup returns the resolved raw value and whether one was set.
func (s *Section) lookup(option string) (string, bool) {
	raw, ok := s.options[strings.ToLower(option)]
	if !ok {
		return "", false
	}
	s.track.mark(option)
	v := ParsePerUnit(raw).For(s.unit)
	return v, v != ""
}

func (s *Section) missing(option string) error {
	return errors.ConfigOptionError(s.name, option)
}

// Get returns a string option, or the fallback when unset.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.lookup(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		s.track.mark(option)
		return fallback[0], nil
	}
	return "", s.missing(option)
}

func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	if v, ok := s.lookup(option); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, errors.ConfigTypeError(s.name, option, v, "integer", err)
		}
		return i, nil
	}
	if len(fallback) > 0 {
		s.track.mark(option)
		return fallback[0], nil
	}
	return 0, s.missing(option)
}

// GetIntWithBounds checks minVal <= v (and v <= maxVal when maxVal > minVal).
func (s *Section) GetIntWithBounds(option string, minVal, maxVal int, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v < minVal {
		return 0, errors.ConfigValidationError(s.name, option, "must have minimum of "+strconv.Itoa(minVal))
	}
	if maxVal > minVal && v > maxVal {
		return 0, errors.ConfigValidationError(s.name, option, "must have maximum of "+strconv.Itoa(maxVal))
	}
	return v, nil
}

func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	if v, ok := s.lookup(option); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.ConfigTypeError(s.name, option, v, "float", err)
		}
		return f, nil
	}
	if len(fallback) > 0 {
		s.track.mark(option)
		return fallback[0], nil
	}
	return 0, s.missing(option)
}

// GetFloatAbove requires v > above.
func (s *Section) GetFloatAbove(option string, above float64, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if v <= above {
		return 0, errors.ConfigValidationError(s.name, option,
			"must be above "+strconv.FormatFloat(above, 'f', -1, 64))
	}
	return v, nil
}

// GetDuration reads seconds, fractional allowed.
func (s *Section) GetDuration(option string, fallback time.Duration) (time.Duration, error) {
	secs, err := s.GetFloat(option, fallback.Seconds())
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, errors.ConfigValidationError(s.name, option, "must not be negative")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// GetBool accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if v, ok := s.lookup(option); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		}
		return false, errors.ConfigTypeError(s.name, option, v, "boolean", nil)
	}
	if len(fallback) > 0 {
		s.track.mark(option)
		return fallback[0], nil
	}
	return false, s.missing(option)
}

// GetChoice returns the canonical spelling of one of choices.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", errors.ConfigValidationError(s.name, option,
		"'"+v+"' is not one of "+strings.Join(choices, "|"))
}
