// Host collaborators consumed by the ACE core
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package host declares what the ACE core needs from the printer host:
// extruder motion and print state. The standalone implementations back
// the ace-host daemon when it runs next to a printer it cannot move.
package host

import (
	"context"
	"sync"

	"klipper-ace/pkg/log"
)

//go:generate mockery --name Motion --with-expecter --output ./mocks --outpkg mocks
//go:generate mockery --name Printer --with-expecter --output ./mocks --outpkg mocks

// Motion is the extruder side of the motion planner.
type Motion interface {
	// Extrude queues a relative extruder move. length in mm (negative
	// retracts), speed in mm/s.
	Extrude(ctx context.Context, length, speed float64) error
	// WaitMoves blocks until every queued move has completed.
	WaitMoves(ctx context.Context) error
}

// Printer is the print-job state of the host.
type Printer interface {
	IsPrinting() bool
	Pause(reason string) error
	Resume() error
}

// LogMotion records extruder moves without a planner attached.
type LogMotion struct {
	mu    sync.Mutex
	log   *log.Logger
	total float64
	moves int
}

func NewLogMotion(logger *log.Logger) *LogMotion {
	if logger == nil {
		logger = log.GetLogger("motion")
	}
	return &LogMotion{log: logger}
}

func (m *LogMotion) Extrude(ctx context.Context, length, speed float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.total += length
	m.moves++
	m.mu.Unlock()
	m.log.Debug("extrude %.1fmm at %.1fmm/s", length, speed)
	return nil
}

func (m *LogMotion) WaitMoves(ctx context.Context) error { return ctx.Err() }

// Totals returns the number of moves and the net extruded length.
func (m *LogMotion) Totals() (moves int, length float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moves, m.total
}

// Standalone tracks print state set through the API.
type Standalone struct {
	mu       sync.Mutex
	log      *log.Logger
	printing bool
	paused   bool
	reason   string
	onPause  []func(reason string)
}

func NewStandalone(logger *log.Logger) *Standalone {
	if logger == nil {
		logger = log.GetLogger("printer")
	}
	return &Standalone{log: logger}
}

// SetPrinting marks a print as started or finished.
func (p *Standalone) SetPrinting(on bool) {
	p.mu.Lock()
	p.printing = on
	if !on {
		p.paused = false
		p.reason = ""
	}
	p.mu.Unlock()
}

// IsPrinting is true while a print runs and is not paused.
func (p *Standalone) IsPrinting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printing && !p.paused
}

func (p *Standalone) Pause(reason string) error {
	p.mu.Lock()
	p.paused = true
	p.reason = reason
	hooks := append([]func(string){}, p.onPause...)
	p.mu.Unlock()
	p.log.Warn("print paused: %s", reason)
	for _, fn := range hooks {
		fn(reason)
	}
	return nil
}

func (p *Standalone) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.reason = ""
	p.mu.Unlock()
	p.log.Info("print resumed")
	return nil
}

// Paused returns whether the print is paused and why.
func (p *Standalone) Paused() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused, p.reason
}

// OnPause registers a hook run after every Pause.
func (p *Standalone) OnPause(fn func(reason string)) {
	p.mu.Lock()
	p.onPause = append(p.onPause, fn)
	p.mu.Unlock()
}
