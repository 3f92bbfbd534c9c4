// Persistent key/value state for the ACE host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package state persists the host's small set of variables (inventory,
// current tool, filament position, endless-spool settings) across restarts.
package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"klipper-ace/pkg/errors"
)

// Store is a flat key/value store. Values are plain data: strings, numbers,
// bools, and slices/maps of those, or structs that marshal to them.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Delete(key string) error
	Keys() []string
	Close() error
}

// Backend names accepted by Open.
const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open selects a backend by name.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendYAML:
		return OpenFile(path)
	case BackendSQLite:
		return OpenSQLite(path)
	case BackendMemory:
		return NewMemory(), nil
	}
	return nil, errors.ConfigValidationError("ace", "state_backend",
		fmt.Sprintf("unknown backend %q", backend))
}

func validKey(key string) error {
	if key == "" {
		return errors.New(errors.ErrRuntime, "state: empty key")
	}
	if strings.ToLower(key) != key {
		return errors.New(errors.ErrRuntime, "state: key must not contain upper case").
			SetContext("key", key)
	}
	return nil
}

// Decode converts a stored value into v. Backends return generic maps after
// a reload, so the value is round-tripped through YAML.
func Decode(s Store, key string, v any) (bool, error) {
	raw, ok := s.Get(key)
	if !ok {
		return false, nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return true, errors.Wrap(err, errors.ErrRuntime, "state: encode "+key)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return true, errors.Wrap(err, errors.ErrRuntime, "state: decode "+key)
	}
	return true, nil
}

// Int reads an integer, accepting any numeric or numeric-string value.
func Int(s Store, key string, def int) int {
	raw, ok := s.Get(key)
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func String(s Store, key, def string) string {
	raw, ok := s.Get(key)
	if !ok {
		return def
	}
	if v, ok := raw.(string); ok {
		return v
	}
	return fmt.Sprint(raw)
}

// Bool accepts native bools and the "True"/"False" spelling older variable
// files use.
func Bool(s Store, key string, def bool) bool {
	raw, ok := s.Get(key)
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(v))); err == nil {
			return b
		}
	case int:
		return v != 0
	}
	return def
}

// Memory is a non-persistent Store.
type Memory struct {
	mu   sync.RWMutex
	vars map[string]any
}

func NewMemory() *Memory {
	return &Memory{vars: make(map[string]any)}
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vars[key]
	return v, ok
}

func (m *Memory) Set(key string, value any) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.vars[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	delete(m.vars, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.vars)
}

func (m *Memory) Close() error { return nil }

func sortedKeys(vars map[string]any) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
