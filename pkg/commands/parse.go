// ACE command line parsing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package commands

import (
	"regexp"
	"strconv"
	"strings"

	"klipper-ace/pkg/errors"
)

// Command is one parsed command line. Argument names are upper case.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Parse splits a line into a command name and KEY=VALUE arguments. Blank
// lines and comments yield nil. Values may be double-quoted to carry
// spaces.
func Parse(line string) *Command {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = ln[:idx]
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	fields := splitFields(ln)
	if len(fields) == 0 {
		return nil
	}
	args := map[string]string{}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if k != "" {
			args[k] = strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return &Command{Name: strings.ToUpper(fields[0]), Args: args, Raw: line}
}

// splitFields is strings.Fields that keeps quoted spans together.
func splitFields(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			cur.WriteRune(r)
		case !quoted && (r == ' ' || r == '\t'):
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (c *Command) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

func (c *Command) String(key, def string) string {
	if v, ok := c.Args[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer argument key, or def when absent.
func (c *Command) Int(key string, def int) (int, error) {
	raw, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.InvalidParameterError(c.Name, key, raw, "not an integer")
	}
	return v, nil
}

// RequireInt is Int for a mandatory argument.
func (c *Command) RequireInt(key string) (int, error) {
	if !c.Has(key) {
		return 0, errors.MissingParameterError(c.Name, key)
	}
	return c.Int(key, 0)
}

// IntRange is Int restricted to [min, max].
func (c *Command) IntRange(key string, def, min, max int) (int, error) {
	v, err := c.Int(key, def)
	if err != nil {
		return 0, err
	}
	if v < min || v > max {
		return 0, errors.InvalidParameterError(c.Name, key, strconv.Itoa(v),
			"must be "+strconv.Itoa(min)+".."+strconv.Itoa(max))
	}
	return v, nil
}

// Bool accepts 1/0, true/false, yes/no and on/off.
func (c *Command) Bool(key string, def bool) (bool, error) {
	raw, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errors.InvalidParameterError(c.Name, key, raw, "not a boolean")
}

// ParseColor reads "R,G,B" or a hex "#RRGGBB" / "RRGGBB".
func ParseColor(raw string) ([3]uint8, bool) {
	var c [3]uint8
	raw = strings.TrimSpace(raw)
	if parts := strings.Split(raw, ","); len(parts) == 3 {
		for i, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || v < 0 || v > 255 {
				return c, false
			}
			c[i] = uint8(v)
		}
		return c, true
	}
	raw = strings.TrimPrefix(raw, "#")
	if len(raw) != 6 {
		return c, false
	}
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return c, false
	}
	return [3]uint8{uint8(v >> 16), uint8(v >> 8), uint8(v)}, true
}
