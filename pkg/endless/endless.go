// Endless spool matching
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package endless picks a replacement slot when a spool runs out and
// drives the swap, falling back to further candidates on failure.
package endless

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/metrics"
)

// Mode selects how strictly a replacement must match.
type Mode string

const (
	// ModeExact requires the same material and color.
	ModeExact Mode = "exact"
	// ModeMaterial requires the same material only.
	ModeMaterial Mode = "material"
	// ModeNext takes the next ready slot.
	ModeNext Mode = "next"
)

const DefaultMaxAttempts = 3

var ErrSwapExhausted = errors.Sentinel(errors.ErrFatalSwap)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeExact, ModeMaterial, ModeNext:
		return m, nil
	}
	return "", fmt.Errorf("invalid endless spool mode %q (want exact, material or next)", s)
}

// Match reports whether cand may replace ref under mode. Two slots of
// unknown material never match.
func Match(mode Mode, ref, cand ace.Slot) bool {
	if !cand.Ready() {
		return false
	}
	if ref.IsUnknown() && cand.IsUnknown() {
		return false
	}
	switch mode {
	case ModeNext:
		return true
	case ModeMaterial:
		return strings.EqualFold(ref.Material, cand.Material)
	case ModeExact:
		return strings.EqualFold(ref.Material, cand.Material) && ref.Color == cand.Color
	}
	return false
}

// Inventory is the global view of slots the matcher searches.
type Inventory interface {
	ToolCount() int
	SlotForTool(tool int) (ace.Slot, bool)
	SetSearching(tool int, on bool)
	MarkEmpty(tool int)
}

// SwapFunc replaces the depleted tool with target. A plain error blames
// the target; an error wrapped by Abort stops the search as is.
type SwapFunc func(ctx context.Context, depleted, target int) error

type abortError struct{ err error }

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort marks a swap failure that is not the target's fault, such as a
// blocked path. Swap returns the wrapped error without trying further
// candidates or marking the target empty.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &abortError{err: err}
}

// Matcher holds the endless spool settings.
type Matcher struct {
	inv         Inventory
	log         *log.Logger
	metrics     *metrics.ACEMetrics
	maxAttempts int

	mu      sync.Mutex
	enabled bool
	mode    Mode
}

func New(inv Inventory, mode Mode, maxAttempts int, logger *log.Logger, m *metrics.ACEMetrics) *Matcher {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if mode == "" {
		mode = ModeExact
	}
	if logger == nil {
		logger = log.GetLogger("ace")
	}
	return &Matcher{inv: inv, log: logger.WithPrefix("endless"), metrics: m, maxAttempts: maxAttempts, mode: mode}
}

func (m *Matcher) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func (m *Matcher) SetEnabled(on bool) {
	m.mu.Lock()
	m.enabled = on
	m.mu.Unlock()
}

func (m *Matcher) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *Matcher) SetMode(mode Mode) {
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

// Find returns the first matching tool after depleted, wrapping around
// and skipping tools in exclude.
func (m *Matcher) Find(ref ace.Slot, depleted int, exclude map[int]bool) (int, bool) {
	mode := m.Mode()
	n := m.inv.ToolCount()
	for step := 1; step < n; step++ {
		tool := (depleted + step) % n
		if exclude[tool] {
			continue
		}
		cand, ok := m.inv.SlotForTool(tool)
		if ok && Match(mode, ref, cand) {
			return tool, true
		}
	}
	return -1, false
}

// Candidates lists every match in search order.
func (m *Matcher) Candidates(ref ace.Slot, depleted int) []int {
	var out []int
	exclude := map[int]bool{}
	for {
		tool, ok := m.Find(ref, depleted, exclude)
		if !ok {
			return out
		}
		out = append(out, tool)
		exclude[tool] = true
	}
}

// Swap tries candidates in order until swap succeeds. A failed target
// is marked empty and never retried. ref is the depleted slot's
// metadata as it was before it ran out.
func (m *Matcher) Swap(ctx context.Context, depleted int, ref ace.Slot, swap SwapFunc) (int, error) {
	tried := map[int]bool{depleted: true}
	attempts := 0
	for attempts < m.maxAttempts {
		target, ok := m.Find(ref, depleted, tried)
		if !ok {
			break
		}
		tried[target] = true
		attempts++
		m.log.WithFields(log.Fields{"from": depleted, "to": target, "mode": string(m.Mode()), "attempt": attempts}).
			Info("swapping depleted spool")

		m.inv.SetSearching(target, true)
		err := swap(ctx, depleted, target)
		m.inv.SetSearching(target, false)
		if err == nil {
			m.metrics.Swap("ok")
			return target, nil
		}
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		var abort *abortError
		if stderrors.As(err, &abort) {
			m.metrics.Swap("aborted")
			m.log.WithError(abort.err).Warnf("swap %d -> %d aborted", depleted, target)
			return -1, abort.err
		}
		m.metrics.Swap("failed")
		m.log.WithError(err).Warnf("swap %d -> %d failed, marking T%d empty", depleted, target, target)
		m.inv.MarkEmpty(target)
	}
	m.metrics.Swap("exhausted")
	return -1, errors.SwapError(depleted, attempts).SetContext("mode", string(m.Mode()))
}
