// Package transport carries requests to one ACE unit and correlates the
// responses. Requests wait in two FIFO queues (high priority first) and
// at most MaxInflight of them are on the wire at once. Every request
// resolves exactly once: with a response, a timeout, a link reset or a
// close.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/health"
	"klipper-ace/pkg/log"
	"klipper-ace/pkg/metrics"
	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/serial"
)

var (
	ErrClosed       = stderrors.New("transport: closed")
	ErrLinkReset    = stderrors.New("transport: link reset")
	ErrTimeout      = stderrors.New("transport: request timed out")
	ErrNotConnected = stderrors.New("transport: not connected")

	errReconnect = stderrors.New("transport: reconnect requested")
)

// maxRequestID is where correlation IDs wrap back to zero.
const maxRequestID = 300000

const (
	DefaultMaxInflight    = 4
	DefaultRequestTimeout = 5 * time.Second
	DefaultStatusInterval = time.Second
)

// Sink receives every matched response, tagged with the kind the request
// was issued as. It runs on the reader goroutine before the Call
// resolves and must not wait on further calls.
type Sink interface {
	Deliver(kind Kind, req protocol.Request, resp *protocol.Response)
}

// Config configures a Transport.
type Config struct {
	Unit           int
	MaxInflight    int
	RequestTimeout time.Duration
	// StatusInterval is the idle keepalive period; negative disables it.
	StatusInterval time.Duration

	Health  *health.UnitHealth
	Metrics *metrics.ACEMetrics
	Logger  *log.Logger
}

type pendingEntry struct {
	call     *Call
	deadline time.Time
}

// Transport is the request pipeline of one unit.
type Transport struct {
	cfg    Config
	dialer Dialer
	sink   Sink
	health *health.UnitHealth
	log    *log.Logger

	mu         sync.Mutex
	high       []*Call
	normal     []*Call
	pending    map[int]*pendingEntry
	nextID     int
	link       io.ReadWriteCloser
	closed     bool
	lastStatus time.Time
	onConnect  func(serial.Fingerprint)
	onLoss     func(error)

	wake      chan struct{}
	reconnect chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a transport; Start connects it.
func New(cfg Config, dialer Dialer, sink Sink) *Transport {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = DefaultMaxInflight
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.Health == nil {
		cfg.Health = health.NewMonitor(health.Config{}).Unit(cfg.Unit)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("ace")
	}
	return &Transport{
		cfg:       cfg,
		dialer:    dialer,
		sink:      sink,
		health:    cfg.Health,
		log:       cfg.Logger.ForUnit("transport", cfg.Unit),
		pending:   make(map[int]*pendingEntry),
		wake:      make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
	}
}

// OnConnect registers a hook run (in its own goroutine) after each
// successful dial, with the fingerprint of the attached device.
func (t *Transport) OnConnect(fn func(serial.Fingerprint)) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

// OnLinkLoss registers a hook run after the link drops.
func (t *Transport) OnLinkLoss(fn func(error)) {
	t.mu.Lock()
	t.onLoss = fn
	t.mu.Unlock()
}

// Start runs the connect/serve/reconnect loop until Close or ctx ends.
func (t *Transport) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()
	go t.run(ctx)
}

// Close stops the transport and fails everything still outstanding.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	t.failAll(ErrClosed, "closed")
	return nil
}

// Reconnect drops the current link and dials again immediately.
func (t *Transport) Reconnect() {
	select {
	case t.reconnect <- struct{}{}:
	default:
	}
}

// Connected reports whether a link is up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.link != nil
}

// Inflight is the number of requests awaiting a response.
func (t *Transport) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Queued is the number of requests not yet written.
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.high) + len(t.normal)
}

// Send queues a request and returns its Call without waiting.
func (t *Transport) Send(req protocol.Request, prio Priority) *Call {
	c := newCall(req, KindOf(req.Method), prio)
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		c.resolve(nil, ErrClosed)
		return c
	case t.link == nil:
		t.mu.Unlock()
		c.resolve(nil, errors.Wrap(ErrNotConnected, errors.ErrTransportLink, req.Method).SetUnit(t.cfg.Unit))
		return c
	}
	if prio == PriorityHigh {
		t.high = append(t.high, c)
	} else {
		t.normal = append(t.normal, c)
	}
	t.mu.Unlock()
	t.kick()
	return c
}

// Call sends a request and waits for it to resolve.
func (t *Transport) Call(ctx context.Context, req protocol.Request, prio Priority) (*protocol.Response, error) {
	return t.Send(req, prio).Wait(ctx)
}

func (t *Transport) kick() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	first := true
	for ctx.Err() == nil {
		link, fp, err := t.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := t.health.Backoff().Next()
			t.log.WithError(err).Warnf("connect failed, retrying in %s", delay)
			t.sleep(ctx, delay)
			continue
		}

		t.mu.Lock()
		t.link = link
		t.lastStatus = time.Time{}
		onConnect := t.onConnect
		t.mu.Unlock()
		t.health.NoteConnected()
		t.cfg.Metrics.SetConnected(t.cfg.Unit, true, !first)
		t.log.Info("connected at %s", fp)
		if !first {
			t.log.Info("reconnected")
		}
		first = false
		if onConnect != nil {
			go onConnect(fp)
		}

		err = t.serve(ctx, link)

		t.mu.Lock()
		t.link = nil
		onLoss := t.onLoss
		t.mu.Unlock()
		t.health.NoteDisconnected()
		t.cfg.Metrics.SetConnected(t.cfg.Unit, false, false)
		if ctx.Err() != nil {
			t.failAll(ErrClosed, "closed")
			return
		}
		t.failAll(errors.Wrap(ErrLinkReset, errors.ErrTransportLink, "link lost").SetUnit(t.cfg.Unit), "link_reset")
		t.log.WithError(err).Warn("link lost")
		if onLoss != nil {
			onLoss(err)
		}
		if !stderrors.Is(err, errReconnect) {
			t.sleep(ctx, t.health.Backoff().Next())
		}
	}
}

// sleep waits for d, a reconnect request or ctx.
func (t *Transport) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-t.reconnect:
	case <-timer.C:
	}
}

// serve pumps one connection until it fails.
func (t *Transport) serve(ctx context.Context, link io.ReadWriteCloser) error {
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		readErr <- t.readLoop(link)
	}()
	defer func() {
		link.Close()
		<-readerDone
	}()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if err := t.fill(link); err != nil {
			return err
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.nextWake(time.Now()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-t.reconnect:
			return errReconnect
		case <-t.wake:
		case <-timer.C:
		}
		now := time.Now()
		t.expire(now)
		t.keepalive(now)
	}
}

// allocID returns the next correlation ID not currently outstanding.
func (t *Transport) allocID() int {
	for {
		id := t.nextID
		t.nextID = (t.nextID + 1) % maxRequestID
		if _, busy := t.pending[id]; !busy {
			return id
		}
	}
}

// fill writes queued requests while the in-flight window has room.
func (t *Transport) fill(w io.Writer) error {
	for {
		t.mu.Lock()
		if len(t.pending) >= t.cfg.MaxInflight {
			t.mu.Unlock()
			return nil
		}
		var c *Call
		switch {
		case len(t.high) > 0:
			c, t.high = t.high[0], t.high[1:]
		case len(t.normal) > 0:
			c, t.normal = t.normal[0], t.normal[1:]
		default:
			t.mu.Unlock()
			return nil
		}
		id := t.allocID()
		c.Request.ID = id
		c.Issued = time.Now()
		if c.Kind == KindStatus {
			t.lastStatus = c.Issued
		}
		t.pending[id] = &pendingEntry{call: c, deadline: c.Issued.Add(t.cfg.RequestTimeout)}
		inflight := len(t.pending)
		t.mu.Unlock()

		frame, err := protocol.EncodeRequest(c.Request)
		if err != nil {
			t.mu.Lock()
			delete(t.pending, id)
			t.mu.Unlock()
			c.resolve(nil, fmt.Errorf("encode %s: %w", c.Request.Method, err))
			continue
		}
		t.cfg.Metrics.RequestSent(t.cfg.Unit, c.Request.Method)
		t.cfg.Metrics.SetInflight(t.cfg.Unit, inflight)
		t.log.Debug("-> %s id=%d (%s)", c.Request.Method, id, c.Priority)
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// nextWake is how long the pump may sleep before a deadline or keepalive.
func (t *Transport) nextWake(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	var next time.Time
	for _, e := range t.pending {
		if next.IsZero() || e.deadline.Before(next) {
			next = e.deadline
		}
	}
	idle := len(t.pending) == 0 && len(t.high) == 0 && len(t.normal) == 0
	if idle && t.cfg.StatusInterval > 0 {
		ka := t.lastStatus.Add(t.cfg.StatusInterval)
		if next.IsZero() || ka.Before(next) {
			next = ka
		}
	}
	if next.IsZero() {
		return time.Hour
	}
	if d := next.Sub(now); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

// expire fails requests whose deadline passed. A response arriving
// later finds no entry and counts as unmatched.
func (t *Transport) expire(now time.Time) {
	var expired []*Call
	t.mu.Lock()
	for id, e := range t.pending {
		if !now.Before(e.deadline) {
			expired = append(expired, e.call)
			delete(t.pending, id)
		}
	}
	inflight := len(t.pending)
	t.mu.Unlock()
	if len(expired) == 0 {
		return
	}
	t.cfg.Metrics.SetInflight(t.cfg.Unit, inflight)
	for _, c := range expired {
		t.health.NoteAnomaly(health.AnomalyTimeout)
		t.cfg.Metrics.Anomaly(t.cfg.Unit, health.AnomalyTimeout)
		t.cfg.Metrics.RequestFailed(t.cfg.Unit, c.Request.Method, "timeout")
		t.log.Warn("%s id=%d timed out after %s", c.Request.Method, c.Request.ID, t.cfg.RequestTimeout)
		c.resolve(nil, errors.Wrap(ErrTimeout, errors.ErrTransportTimeout,
			fmt.Sprintf("%s id=%d", c.Request.Method, c.Request.ID)).SetUnit(t.cfg.Unit))
	}
}

// keepalive queues a status poll when the link has been idle.
func (t *Transport) keepalive(now time.Time) {
	if t.cfg.StatusInterval <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) > 0 || len(t.high) > 0 || len(t.normal) > 0 {
		return
	}
	if now.Sub(t.lastStatus) < t.cfg.StatusInterval {
		return
	}
	t.normal = append(t.normal, newCall(protocol.GetStatus(), KindStatus, PriorityNormal))
	t.lastStatus = now
}

// failAll resolves every queued and in-flight call with err.
func (t *Transport) failAll(err error, reason string) {
	t.mu.Lock()
	calls := make([]*Call, 0, len(t.pending)+len(t.high)+len(t.normal))
	for _, e := range t.pending {
		calls = append(calls, e.call)
	}
	calls = append(calls, t.high...)
	calls = append(calls, t.normal...)
	t.pending = make(map[int]*pendingEntry)
	t.high, t.normal = nil, nil
	t.mu.Unlock()
	t.cfg.Metrics.SetInflight(t.cfg.Unit, 0)
	for _, c := range calls {
		t.cfg.Metrics.RequestFailed(t.cfg.Unit, c.Request.Method, reason)
		c.resolve(nil, err)
	}
}

// readLoop parses frames until the link fails.
func (t *Transport) readLoop(link io.Reader) error {
	fr := protocol.NewFrameReader(link)
	dropped, bad := 0, 0
	for {
		payload, err := fr.Next()
		if d := fr.Dropped(); d > dropped {
			t.cfg.Metrics.BytesDropped(t.cfg.Unit, d-dropped)
			t.log.Debug("resync dropped %d bytes", d-dropped)
			dropped = d
		}
		for ; bad < fr.BadFrames(); bad++ {
			t.health.NoteAnomaly(health.AnomalyBadFrame)
			t.cfg.Metrics.Anomaly(t.cfg.Unit, health.AnomalyBadFrame)
		}
		if err != nil {
			if stderrors.Is(err, serial.ErrTimeout) {
				continue
			}
			return err
		}
		resp, err := protocol.DecodeResponse(payload)
		if err != nil {
			t.health.NoteAnomaly(health.AnomalyBadFrame)
			t.cfg.Metrics.Anomaly(t.cfg.Unit, health.AnomalyBadFrame)
			t.log.WithError(err).Warn("undecodable frame")
			continue
		}
		t.complete(resp)
	}
}

func (t *Transport) complete(resp *protocol.Response) {
	t.mu.Lock()
	e, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	inflight := len(t.pending)
	t.mu.Unlock()

	if !ok {
		t.health.NoteAnomaly(health.AnomalyUnmatched)
		t.cfg.Metrics.Anomaly(t.cfg.Unit, health.AnomalyUnmatched)
		t.log.Warn("unmatched response id=%d code=%d msg=%q", resp.ID, resp.Code, resp.Msg)
		return
	}
	c := e.call
	t.cfg.Metrics.SetInflight(t.cfg.Unit, inflight)
	t.cfg.Metrics.ResponseReceived(t.cfg.Unit, c.Request.Method, resp.Rejected(), time.Since(c.Issued))
	if resp.Rejected() {
		t.log.Debug("<- %s id=%d rejected code=%d msg=%q", c.Request.Method, resp.ID, resp.Code, resp.Msg)
	}
	if t.sink != nil {
		t.sink.Deliver(c.Kind, c.Request, resp)
	}
	c.resolve(resp, nil)
	t.kick()
}
