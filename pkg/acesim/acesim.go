// Simulated ACE unit
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package acesim simulates an ACE unit at the wire level. It backs the
// mock-ace binary and the transport, unit and manager tests.
package acesim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/serial"
)

// Slot is the simulated content of one bay.
type Slot struct {
	Status string // protocol.SlotEmpty or protocol.SlotReady
	Type   string
	SKU    string
	Brand  string
	Color  [3]int
	RFID   int
	// Extruder temperature range reported by the tag.
	TempMin, TempMax int
}

// Move is a feed or unwind the unit executed.
type Move struct {
	Method string
	Index  int
	Length int
	Speed  int
}

// Unit is a simulated ACE. The zero value is not usable; call New.
type Unit struct {
	mu sync.Mutex

	id          int
	slots       [4]Slot
	busyUntil   time.Time
	feedAssist  int
	dryer       protocol.DryerStatus
	fingerprint serial.Fingerprint

	// TimeScale converts a move's nominal duration (length/speed
	// seconds) into simulated busy time. Zero finishes moves instantly.
	TimeScale float64

	reject   map[string]int
	silent   map[string]bool
	held     bool
	heldReqs []*protocol.Request
	requests []protocol.Request
	moves    []Move
	onMove   func(Move)

	offline bool
	conn    net.Conn
	dials   int
}

func New(id int) *Unit {
	u := &Unit{
		id:         id,
		feedAssist: -1,
		dryer:      protocol.DryerStatus{Status: "stop"},
		reject:     make(map[string]int),
		silent:     make(map[string]bool),
	}
	for i := range u.slots {
		u.slots[i] = Slot{Status: protocol.SlotEmpty}
	}
	return u
}

// SetSlot replaces the content of bay i.
func (u *Unit) SetSlot(i int, s Slot) {
	u.mu.Lock()
	u.slots[i] = s
	u.mu.Unlock()
}

func (u *Unit) Slot(i int) Slot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.slots[i]
}

// LoadSpool puts an identified spool in bay i.
func (u *Unit) LoadSpool(i int, material string, color [3]int, tmin, tmax int) {
	u.SetSlot(i, Slot{
		Status: protocol.SlotReady, Type: material, SKU: "AHPLBK-101", Brand: "Anycubic",
		Color: color, RFID: protocol.RFIDIdentified, TempMin: tmin, TempMax: tmax,
	})
}

// Empty clears bay i.
func (u *Unit) Empty(i int) { u.SetSlot(i, Slot{Status: protocol.SlotEmpty}) }

// RejectNext makes the next n requests of method answer FORBIDDEN.
func (u *Unit) RejectNext(method string, n int) {
	u.mu.Lock()
	u.reject[method] = n
	u.mu.Unlock()
}

// Ignore makes the unit never answer method.
func (u *Unit) Ignore(method string, on bool) {
	u.mu.Lock()
	u.silent[method] = on
	u.mu.Unlock()
}

// Hold queues requests without answering until Release.
func (u *Unit) Hold() {
	u.mu.Lock()
	u.held = true
	u.mu.Unlock()
}

// HeldCount is the number of requests waiting for Release.
func (u *Unit) HeldCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.heldReqs)
}

// Release answers every held request and stops holding.
func (u *Unit) Release() {
	u.mu.Lock()
	u.held = false
	reqs := u.heldReqs
	u.heldReqs = nil
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return
	}
	for _, r := range reqs {
		if resp, ok := u.handle(r); ok {
			_ = writeResponse(conn, resp)
		}
	}
}

// OnMove registers a hook run for every accepted feed or unwind, used
// to couple simulated sensors to filament motion.
func (u *Unit) OnMove(fn func(Move)) {
	u.mu.Lock()
	u.onMove = fn
	u.mu.Unlock()
}

// Requests returns every request received so far.
func (u *Unit) Requests() []protocol.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]protocol.Request(nil), u.requests...)
}

// Count returns how many requests of method were received.
func (u *Unit) Count(method string) int {
	n := 0
	for _, r := range u.Requests() {
		if r.Method == method {
			n++
		}
	}
	return n
}

// Moves returns the executed moves.
func (u *Unit) Moves() []Move {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Move(nil), u.moves...)
}

func (u *Unit) FeedAssist() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.feedAssist
}

func (u *Unit) Dryer() protocol.DryerStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dryer
}

// SetFingerprint sets the USB position reported on the next dial.
func (u *Unit) SetFingerprint(fp serial.Fingerprint) {
	u.mu.Lock()
	u.fingerprint = fp
	u.mu.Unlock()
}

// SetOnline controls whether Dial succeeds.
func (u *Unit) SetOnline(on bool) {
	u.mu.Lock()
	u.offline = !on
	u.mu.Unlock()
}

// Dials is the number of successful connections served.
func (u *Unit) Dials() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dials
}

// Unplug drops the current connection the way a USB disconnect would.
func (u *Unit) Unplug() {
	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// WriteRaw writes bytes straight onto the current connection.
func (u *Unit) WriteRaw(b []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	_, err := conn.Write(b)
	return err
}

// SendResponse writes a response that no request asked for.
func (u *Unit) SendResponse(resp protocol.Response) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return io.ErrClosedPipe
	}
	return writeResponse(conn, resp)
}

// Dial connects a new in-memory link to the unit. It has the signature
// of transport.Dialer.
func (u *Unit) Dial(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, serial.Fingerprint{}, err
	}
	u.mu.Lock()
	if u.offline {
		u.mu.Unlock()
		return nil, serial.Fingerprint{}, errors.New("acesim: unit offline")
	}
	client, server := net.Pipe()
	if u.conn != nil {
		u.conn.Close()
	}
	u.conn = server
	u.dials++
	fp := u.fingerprint
	u.mu.Unlock()
	go u.Serve(server)
	return client, fp, nil
}

// Serve answers requests on rw until it fails.
func (u *Unit) Serve(rw io.ReadWriter) error {
	fr := protocol.NewFrameReader(rw)
	for {
		payload, err := fr.Next()
		if err != nil {
			return err
		}
		req, err := protocol.DecodeRequest(payload)
		if err != nil {
			continue
		}
		u.mu.Lock()
		u.requests = append(u.requests, *req)
		if u.held {
			u.heldReqs = append(u.heldReqs, req)
			u.mu.Unlock()
			continue
		}
		u.mu.Unlock()
		if resp, ok := u.handle(req); ok {
			if err := writeResponse(rw, resp); err != nil {
				return err
			}
		}
	}
}

func writeResponse(w io.Writer, resp protocol.Response) error {
	frame, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func intParam(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func ok(id int, result any) protocol.Response {
	resp := protocol.Response{ID: id, Code: 0, Msg: "success"}
	if result != nil {
		resp.Result, _ = json.Marshal(result)
	}
	return resp
}

func fail(id int, msg string) protocol.Response {
	return protocol.Response{ID: id, Code: 1, Msg: msg}
}

// handle executes one request. The bool is false when no answer is sent.
func (u *Unit) handle(req *protocol.Request) (protocol.Response, bool) {
	u.mu.Lock()
	if u.silent[req.Method] {
		u.mu.Unlock()
		return protocol.Response{}, false
	}
	if n := u.reject[req.Method]; n > 0 {
		u.reject[req.Method] = n - 1
		u.mu.Unlock()
		return protocol.Response{ID: req.ID, Code: 0, Msg: protocol.MsgForbidden}, true
	}
	now := time.Now()
	idx := intParam(req.Params, "index")
	var resp protocol.Response
	var move *Move
	validIdx := idx >= 0 && idx < len(u.slots)

	switch req.Method {
	case protocol.MethodGetStatus:
		resp = ok(req.ID, u.statusLocked(now))
	case protocol.MethodGetInfo:
		resp = ok(req.ID, protocol.Info{ID: u.id, Slots: 4, Model: "Anycubic Color Engine Pro", Firmware: "V1.3.863", BootFirmware: "V1.0.1"})
	case protocol.MethodGetFilamentInfo:
		if !validIdx {
			resp = fail(req.ID, "invalid index")
			break
		}
		s := u.slots[idx]
		resp = ok(req.ID, protocol.FilamentInfo{
			Index: idx, SKU: s.SKU, Brand: s.Brand, Type: s.Type, Color: s.Color[:],
			ExtruderTemp: protocol.TempRange{Min: s.TempMin, Max: s.TempMax},
			HotbedTemp:   protocol.TempRange{Min: 50, Max: 60},
			Diameter:     1.75, Total: 330, Current: 250,
		})
	case protocol.MethodFeedFilament, protocol.MethodUnwindFilament:
		length, speed := intParam(req.Params, "length"), intParam(req.Params, "speed")
		switch {
		case !validIdx:
			resp = fail(req.ID, "invalid index")
		case req.Method == protocol.MethodFeedFilament && u.slots[idx].Status != protocol.SlotReady:
			resp = fail(req.ID, "slot empty")
		case now.Before(u.busyUntil):
			resp = protocol.Response{ID: req.ID, Code: 0, Msg: protocol.MsgForbidden}
		default:
			if speed > 0 && u.TimeScale > 0 {
				d := time.Duration(float64(length) / float64(speed) * u.TimeScale * float64(time.Second))
				u.busyUntil = now.Add(d)
			}
			move = &Move{Method: req.Method, Index: idx, Length: length, Speed: speed}
			u.moves = append(u.moves, *move)
			resp = ok(req.ID, nil)
		}
	case protocol.MethodStopFeedFilament, protocol.MethodStopUnwindFilament:
		u.busyUntil = time.Time{}
		resp = ok(req.ID, nil)
	case protocol.MethodStartFeedAssist:
		if !validIdx {
			resp = fail(req.ID, "invalid index")
			break
		}
		u.feedAssist = idx
		resp = ok(req.ID, nil)
	case protocol.MethodStopFeedAssist:
		u.feedAssist = -1
		resp = ok(req.ID, nil)
	case protocol.MethodUpdateFeedingSpeed, protocol.MethodUpdateUnwindingSpeed:
		resp = ok(req.ID, nil)
	case protocol.MethodDrying:
		u.dryer = protocol.DryerStatus{
			Status:     "drying",
			TargetTemp: intParam(req.Params, "temp"),
			Duration:   intParam(req.Params, "duration"),
			RemainTime: float64(intParam(req.Params, "duration") * 60),
		}
		resp = ok(req.ID, nil)
	case protocol.MethodDryingStop:
		u.dryer = protocol.DryerStatus{Status: "stop"}
		resp = ok(req.ID, nil)
	default:
		resp = fail(req.ID, "unknown method")
	}
	hook := u.onMove
	u.mu.Unlock()
	if move != nil && hook != nil {
		hook(*move)
	}
	return resp, true
}

func (u *Unit) statusLocked(now time.Time) protocol.Status {
	st := protocol.Status{
		Status:     protocol.StatusReady,
		Temp:       25,
		EnableRFID: 1,
		FanSpeed:   7000,
		Slots:      make([]protocol.SlotStatus, len(u.slots)),
	}
	if now.Before(u.busyUntil) {
		st.Status = protocol.StatusBusy
	}
	if u.feedAssist >= 0 {
		st.FeedAssistCount = 1
	}
	d := u.dryer
	st.DryerStatus = &d
	for i, s := range u.slots {
		st.Slots[i] = protocol.SlotStatus{
			Index: i, Status: s.Status, SKU: s.SKU, Type: s.Type,
			Color: []int{s.Color[0], s.Color[1], s.Color[2]}, RFID: s.RFID,
		}
	}
	return st
}
