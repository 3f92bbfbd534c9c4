// Size based log rotation for long running hosts
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// RotationConfig configures a RotatingFile.
type RotationConfig struct {
	// Filename is the active log path; backups are Filename.1 .. Filename.N.
	Filename string

	// MaxBytes triggers rotation once exceeded. Default 8 MiB.
	MaxBytes int64

	// MaxBackups is the number of numbered backups kept. Default 3.
	MaxBackups int
}

// RotatingFile is an io.WriteCloser that shifts the active file to
// numbered backups when it grows past MaxBytes.
type RotatingFile struct {
	mu   sync.Mutex
	cfg  RotationConfig
	f    *os.File
	size int64
}

// OpenRotating opens (or creates) the active log file in append mode.
func OpenRotating(cfg RotationConfig) (*RotatingFile, error) {
	if cfg.Filename == "" {
		return nil, fmt.Errorf("log file name is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	r := &RotatingFile{cfg: cfg}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.cfg.Filename), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(r.cfg.Filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.f, r.size = f, fi.Size()
	return nil
}

func (r *RotatingFile) backup(n int) string {
	return fmt.Sprintf("%s.%d", r.cfg.Filename, n)
}

// Write appends p, rotating first if p would overflow the active file.
// A single write larger than MaxBytes still lands in one file.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.cfg.MaxBytes {
		if err := r.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) rotate() error {
	if err := r.f.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	os.Remove(r.backup(r.cfg.MaxBackups))
	for i := r.cfg.MaxBackups - 1; i >= 1; i-- {
		if _, err := os.Stat(r.backup(i)); err == nil {
			os.Rename(r.backup(i), r.backup(i+1))
		}
	}
	if err := os.Rename(r.cfg.Filename, r.backup(1)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate log file: %w", err)
	}
	return r.open()
}

// Size reports the number of bytes in the active file.
func (r *RotatingFile) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Tee returns a writer that duplicates output to stderr and w.
func Tee(w io.Writer) io.Writer {
	return io.MultiWriter(os.Stderr, w)
}
