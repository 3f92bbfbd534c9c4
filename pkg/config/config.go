// Klipper-style configuration file parsing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package config parses the host's INI-style configuration file with
// access tracking, and resolves the [ace] section into per-unit settings.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"klipper-ace/pkg/errors"
)

// Config provides access to a configuration file with access tracking.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessed map[string]struct{}
}

func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		accessed: make(map[string]struct{}),
	}
}

// Load reads a configuration file. [include path] directives pull in other
// files relative to the including one; globs are allowed.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses configuration text. Includes are not resolved.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "config: invalid path "+path)
	}
	if visited[abs] {
		return errors.New(errors.ErrConfigSection, "config: recursive include: "+path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "config: unable to open "+path)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads one file. A nil visited map disables includes.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
	}

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// "#*#" lines are machine-written config and parse normally.
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
		} else if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			header := strings.TrimSpace(line[1 : len(line)-1])
			if header == "" {
				return errors.New(errors.ErrConfigSection,
					fmt.Sprintf("config: empty section header at line %d in %s", lineNum, name))
			}
			if strings.HasPrefix(header, "include ") {
				if err := c.include(strings.TrimSpace(header[8:]), name, dir, visited); err != nil {
					return err
				}
				section, options = "", nil
				continue
			}
			section = header
			options = make(map[string]string)
			continue
		}

		if section == "" {
			continue
		}
		key, value, ok := splitOption(line)
		if !ok {
			continue
		}
		options[key] = value
	}
	flush()

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "config: error reading "+name)
	}
	return nil
}

// splitOption accepts "key: value" and "key = value", whichever separator
// comes first.
func splitOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

func (c *Config) include(spec, name, dir string, visited map[string]bool) error {
	if visited == nil {
		return errors.New(errors.ErrConfigSection, "config: include not supported in "+name)
	}
	if spec == "" {
		return errors.New(errors.ErrConfigSection, "config: empty include in "+name)
	}
	glob := filepath.Join(dir, spec)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "config: invalid include pattern "+spec)
	}
	sort.Strings(matches)
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return errors.New(errors.ErrConfigSection, "config: include file does not exist: "+glob)
	}
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection merges into an existing section of the same name.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns a Section by name.
func (c *Config) GetSection(name string) (*Section, error) {
	if sec := c.GetSectionOptional(name); sec != nil {
		return sec, nil
	}
	return nil, errors.ConfigSectionError(name)
}

// GetSectionOptional returns nil when the section is absent.
func (c *Config) GetSectionOptional(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if ok {
		c.accessed[name] = struct{}{}
	}
	return sec
}

func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// CheckUnusedOptions reports options of accessed sections that nothing read,
// which are usually typos.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for name := range c.accessed {
		unused := c.sections[name].GetUnusedOptions()
		if len(unused) > 0 {
			sort.Strings(unused)
			problems = append(problems, fmt.Sprintf("[%s]: unused options %v", name, unused))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New(errors.ErrConfigOption, strings.Join(problems, "; "))
	}
	return nil
}
