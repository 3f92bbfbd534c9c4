// YAML variable file
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package state

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
)

// FileStore keeps every variable in memory and rewrites the whole YAML file
// on each change. The file is replaced atomically.
type FileStore struct {
	mu       sync.RWMutex
	filename string
	vars     map[string]any
	logger   *log.Logger
}

// OpenFile loads path, creating an empty file if it does not exist.
func OpenFile(path string) (*FileStore, error) {
	filename, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	fs := &FileStore{
		filename: filename,
		vars:     make(map[string]any),
		logger:   log.GetLogger("state"),
	}
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrRuntimeInit, "state: create directory")
		}
		if err := fs.write(fs.vars); err != nil {
			return nil, err
		}
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", errors.New(errors.ErrRuntimeInit, "state: no file name")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, errors.ErrRuntimeInit, "state: expand ~")
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Clean(path), nil
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.filename)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntimeInit, "state: unable to read "+fs.filename)
	}
	vars := make(map[string]any)
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return errors.Wrap(err, errors.ErrRuntimeInit, "state: unable to parse "+fs.filename)
	}
	if vars == nil {
		vars = make(map[string]any)
	}
	fs.mu.Lock()
	fs.vars = vars
	fs.mu.Unlock()
	fs.logger.Debug("loaded %d variables from %s", len(vars), fs.filename)
	return nil
}

func (fs *FileStore) write(vars map[string]any) error {
	data, err := yaml.Marshal(vars)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: unable to encode variables")
	}
	tmp, err := os.CreateTemp(filepath.Dir(fs.filename), ".ace-state-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: unable to save variables")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrRuntime, "state: unable to save variables")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: unable to save variables")
	}
	if err := os.Rename(tmp.Name(), fs.filename); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "state: unable to save variables")
	}
	return nil
}

// Filename returns the expanded path.
func (fs *FileStore) Filename() string { return fs.filename }

func (fs *FileStore) Get(key string) (any, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	v, ok := fs.vars[key]
	return v, ok
}

// Set writes the file before the new value becomes visible, so a failed
// write leaves the previous value in place.
func (fs *FileStore) Set(key string, value any) error {
	if err := validKey(key); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	next := make(map[string]any, len(fs.vars)+1)
	for k, v := range fs.vars {
		next[k] = v
	}
	next[key] = value
	if err := fs.write(next); err != nil {
		return err
	}
	fs.vars = next
	fs.logger.Debug("saved variable '%s'", key)
	return nil
}

func (fs *FileStore) Delete(key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.vars[key]; !ok {
		return nil
	}
	next := make(map[string]any, len(fs.vars))
	for k, v := range fs.vars {
		if k != key {
			next[k] = v
		}
	}
	if err := fs.write(next); err != nil {
		return err
	}
	fs.vars = next
	return nil
}

func (fs *FileStore) Keys() []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return sortedKeys(fs.vars)
}

func (fs *FileStore) Close() error { return nil }
