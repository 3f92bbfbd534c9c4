// Outbound slot metadata sync
//
// Pushes the slot inventory to an external HTTP endpoint (a slicer or
// spool manager). Callers snapshot on their own goroutine and queue the
// copy; a single background worker drains the queue, so a slow or absent
// endpoint never stalls filament control.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package spoolsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/log"
)

const (
	DefaultInterval   = 5 * time.Minute
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultQueueSize  = 8
)

// Source provides inventory snapshots. Implementations return copies.
type Source interface {
	Units() []ace.UnitStatus
}

// SourceFunc adapts a function to Source.
type SourceFunc func() []ace.UnitStatus

func (f SourceFunc) Units() []ace.UnitStatus { return f() }

type Config struct {
	URL string
	// Interval between unconditional pushes; <0 disables them.
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase time.Duration
	QueueSize int
	Client    *http.Client
	Logger    *log.Logger
}

func (c *Config) fill() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = log.GetLogger("spoolsync")
	}
}

// SlotRecord is one slot as published.
type SlotRecord struct {
	Tool     int     `json:"tool"`
	Unit     int     `json:"unit"`
	Slot     int     `json:"slot"`
	Status   string  `json:"status"`
	Material string  `json:"material,omitempty"`
	Color    string  `json:"color,omitempty"`
	Temp     int     `json:"temp,omitempty"`
	RFID     bool    `json:"rfid"`
	SKU      string  `json:"sku,omitempty"`
	Brand    string  `json:"brand,omitempty"`
	Diameter float64 `json:"diameter,omitempty"`
	// Remaining filament in mm as reported by the tag.
	Remaining float64 `json:"remaining,omitempty"`
}

// Batch is one POST body.
type Batch struct {
	ID      string       `json:"batch_id"`
	Reason  string       `json:"reason"`
	TakenAt time.Time    `json:"taken_at"`
	Slots   []SlotRecord `json:"slots"`
}

// NewBatch flattens unit snapshots into slot records ordered by tool.
func NewBatch(reason string, units []ace.UnitStatus) Batch {
	b := Batch{ID: uuid.NewString(), Reason: reason, TakenAt: time.Now().UTC()}
	for _, u := range units {
		for i, s := range u.Slots {
			rec := SlotRecord{
				Tool:   u.Index*ace.SlotsPerUnit + i,
				Unit:   u.Index,
				Slot:   i,
				Status: string(s.Status),
				RFID:   s.RFID,
			}
			if s.Status != ace.SlotEmpty {
				rec.Material = s.Material
				rec.Color = s.ColorHex()
				rec.Temp = s.Temp
			}
			if s.Info != nil {
				rec.SKU = s.Info.SKU
				rec.Brand = s.Info.Brand
				rec.Diameter = s.Info.Diameter
				rec.Remaining = s.Info.RemainingLength
			}
			b.Slots = append(b.Slots, rec)
		}
	}
	return b
}

// Stats counts worker outcomes.
type Stats struct {
	Sent    int       `json:"sent"`
	Failed  int       `json:"failed"`
	Dropped int       `json:"dropped"`
	LastID  string    `json:"last_batch_id,omitempty"`
	LastErr string    `json:"last_error,omitempty"`
	LastAt  time.Time `json:"last_at,omitempty"`
}

// Worker is the queue-and-wake sync worker.
type Worker struct {
	cfg Config
	src Source
	log *log.Logger

	mu    sync.Mutex
	queue []Batch
	stats Stats

	wake chan struct{}
}

func New(cfg Config, src Source) *Worker {
	cfg.fill()
	return &Worker{
		cfg:  cfg,
		src:  src,
		log:  cfg.Logger,
		wake: make(chan struct{}, 1),
	}
}

// Trigger snapshots the inventory now and queues it for sending.
func (w *Worker) Trigger(reason string) {
	w.Enqueue(NewBatch(reason, w.src.Units()))
}

// Changed is a no-argument Trigger for change hooks.
func (w *Worker) Changed() { w.Trigger("changed") }

// Enqueue queues a batch; when full the oldest is dropped since a newer
// snapshot supersedes it.
func (w *Worker) Enqueue(b Batch) {
	w.mu.Lock()
	if len(w.queue) >= w.cfg.QueueSize {
		w.queue = w.queue[1:]
		w.stats.Dropped++
	}
	w.queue = append(w.queue, b)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Pending is the number of queued batches.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) next() (Batch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return Batch{}, false
	}
	b := w.queue[0]
	w.queue = w.queue[1:]
	return b, true
}

// Run drains the queue until ctx is done. One initial push is made so the
// endpoint learns the inventory at startup.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("syncing slots to %s", w.cfg.URL)
	w.Trigger("startup")

	var tick <-chan time.Time
	if w.cfg.Interval > 0 {
		t := time.NewTicker(w.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		for {
			b, ok := w.next()
			if !ok {
				break
			}
			w.deliver(ctx, b)
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-tick:
			w.Trigger("interval")
		}
	}
}

func (w *Worker) deliver(ctx context.Context, b Batch) {
	err := w.post(ctx, b)
	w.mu.Lock()
	w.stats.LastID = b.ID
	w.stats.LastAt = time.Now()
	if err != nil {
		w.stats.Failed++
		w.stats.LastErr = err.Error()
	} else {
		w.stats.Sent++
		w.stats.LastErr = ""
	}
	w.mu.Unlock()

	lg := w.log.WithFields(log.Fields{"batch": b.ID[:8], "reason": b.Reason, "slots": len(b.Slots)})
	if err != nil {
		lg.WithError(err).Warn("slot sync failed")
		return
	}
	lg.Debug("slot sync delivered")
}

func (w *Worker) post(ctx context.Context, b Batch) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("spoolsync: marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.RetryBase << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("spoolsync: new request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", b.ID)

		resp, err := w.cfg.Client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		// Client errors will not improve on retry.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			break
		}
	}
	return fmt.Errorf("spoolsync: giving up on batch %s: %w", b.ID, lastErr)
}
