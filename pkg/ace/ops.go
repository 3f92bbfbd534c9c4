// ACE unit operations
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ace

import (
	"context"
	"fmt"
	"time"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/transport"
)

func (u *Unit) linkOrErr() (Link, error) {
	l := u.getLink()
	if l == nil {
		return nil, errors.Wrap(transport.ErrNotConnected, errors.ErrTransportLink, "unit has no link").SetUnit(u.cfg.Index)
	}
	return l, nil
}

// command sends req and retries rejections with a doubling delay.
func (u *Unit) command(ctx context.Context, req protocol.Request, prio transport.Priority) error {
	link, err := u.linkOrErr()
	if err != nil {
		return err
	}
	delay := u.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		resp, err := link.Call(ctx, req, prio)
		if err != nil {
			return err
		}
		if !resp.Rejected() {
			return nil
		}
		if attempt >= u.cfg.CommandRetries {
			u.log.Error("%s rejected %d times (code=%d msg=%q)", req.Method, attempt, resp.Code, resp.Msg)
			return errors.RejectedError(u.cfg.Index, req.Method, resp.Code, resp.Msg).
				SetContext("attempts", attempt)
		}
		u.log.WithFields(map[string]interface{}{
			"method": req.Method, "attempt": attempt, "code": resp.Code, "msg": resp.Msg,
		}).Warnf("command rejected, retrying in %s", delay)
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitReady blocks until a status received after the call reports the
// unit ready. A high-priority status query goes out whenever no status
// arrived for IdleRequery.
func (u *Unit) WaitReady(ctx context.Context) error {
	link, err := u.linkOrErr()
	if err != nil {
		return err
	}
	since := time.Now()
	deadline := since.Add(u.cfg.ReadyTimeout)
	link.Send(protocol.GetStatus(), transport.PriorityHigh)
	lastQuery := since

	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()
	for {
		sig := u.statusSignal()
		st, at := u.LastStatus()
		if at.After(since) && st.Status == protocol.StatusReady {
			return nil
		}
		now := time.Now()
		if !now.Before(deadline) {
			return errors.UnitNotReadyError(u.cfg.Index, u.cfg.ReadyTimeout.String()).
				SetContext("last_status", st.Status)
		}
		last := lastQuery
		if at.After(last) {
			last = at
		}
		if now.Sub(last) >= u.cfg.IdleRequery {
			link.Send(protocol.GetStatus(), transport.PriorityHigh)
			lastQuery = now
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sig:
		case <-ticker.C:
		}
	}
}

// Feed pushes length mm out of slot and waits for the unit to finish.
func (u *Unit) Feed(ctx context.Context, slot, length, speed int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	if s := u.Slot(slot); s.Status == SlotEmpty {
		return errors.SlotEmptyError(u.cfg.Index, slot)
	}
	if speed <= 0 {
		speed = u.cfg.FeedSpeed
	}
	u.log.Debug("feed slot %d %dmm at %dmm/s", slot, length, speed)
	if err := u.command(ctx, protocol.FeedFilament(slot, length, speed), transport.PriorityNormal); err != nil {
		return err
	}
	return u.WaitReady(ctx)
}

// Retract pulls length mm back into slot and waits for the unit to finish.
func (u *Unit) Retract(ctx context.Context, slot, length, speed int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	if speed <= 0 {
		speed = u.cfg.RetractSpeed
	}
	u.log.Debug("retract slot %d %dmm at %dmm/s", slot, length, speed)
	if err := u.command(ctx, protocol.UnwindFilament(slot, length, speed), transport.PriorityNormal); err != nil {
		return err
	}
	return u.WaitReady(ctx)
}

// StopFeed aborts a running feed. It does not wait for ready.
func (u *Unit) StopFeed(ctx context.Context, slot int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	return u.command(ctx, protocol.StopFeedFilament(slot), transport.PriorityHigh)
}

// StopRetract aborts a running retraction.
func (u *Unit) StopRetract(ctx context.Context, slot int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	return u.command(ctx, protocol.StopUnwindFilament(slot), transport.PriorityHigh)
}

func (u *Unit) UpdateFeedSpeed(ctx context.Context, slot, speed int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	return u.command(ctx, protocol.UpdateFeedingSpeed(slot, speed), transport.PriorityNormal)
}

func (u *Unit) UpdateRetractSpeed(ctx context.Context, slot, speed int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	return u.command(ctx, protocol.UpdateUnwindingSpeed(slot, speed), transport.PriorityNormal)
}

// EnableFeedAssist starts feed assist on slot.
func (u *Unit) EnableFeedAssist(ctx context.Context, slot int) error {
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return err
	}
	if err := u.command(ctx, protocol.StartFeedAssist(slot), transport.PriorityNormal); err != nil {
		return err
	}
	u.log.Info("feed assist on slot %d", slot)
	return nil
}

// DisableFeedAssist stops feed assist if it runs.
func (u *Unit) DisableFeedAssist(ctx context.Context) error {
	slot := u.FeedAssist()
	if slot < 0 {
		return nil
	}
	if err := u.command(ctx, protocol.StopFeedAssist(slot), transport.PriorityNormal); err != nil {
		return err
	}
	u.log.Info("feed assist off (slot %d)", slot)
	return nil
}

// QueryStatus fetches a fresh status; the model is updated before it
// returns.
func (u *Unit) QueryStatus(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	link, err := u.linkOrErr()
	if err != nil {
		return st, err
	}
	resp, err := link.Call(ctx, protocol.GetStatus(), transport.PriorityHigh)
	if err != nil {
		return st, err
	}
	if resp.Rejected() {
		return st, errors.RejectedError(u.cfg.Index, protocol.MethodGetStatus, resp.Code, resp.Msg)
	}
	err = resp.Decode(&st)
	return st, err
}

// QueryInfo fetches model and firmware information.
func (u *Unit) QueryInfo(ctx context.Context) (protocol.Info, error) {
	var info protocol.Info
	link, err := u.linkOrErr()
	if err != nil {
		return info, err
	}
	resp, err := link.Call(ctx, protocol.GetInfo(), transport.PriorityNormal)
	if err != nil {
		return info, err
	}
	if resp.Rejected() {
		return info, errors.RejectedError(u.cfg.Index, protocol.MethodGetInfo, resp.Code, resp.Msg)
	}
	err = resp.Decode(&info)
	return info, err
}

// QueryFilamentInfo reads the RFID tag of slot.
func (u *Unit) QueryFilamentInfo(ctx context.Context, slot int) (protocol.FilamentInfo, error) {
	var fi protocol.FilamentInfo
	if err := checkSlot(u.cfg.Index, slot); err != nil {
		return fi, err
	}
	link, err := u.linkOrErr()
	if err != nil {
		return fi, err
	}
	resp, err := link.Call(ctx, protocol.GetFilamentInfo(slot), transport.PriorityNormal)
	if err != nil {
		return fi, err
	}
	if resp.Rejected() {
		return fi, errors.RejectedError(u.cfg.Index, protocol.MethodGetFilamentInfo, resp.Code, resp.Msg)
	}
	err = resp.Decode(&fi)
	return fi, err
}

// Refresh reloads info and status after a (re)connect.
func (u *Unit) Refresh(ctx context.Context) error {
	info, err := u.QueryInfo(ctx)
	if err != nil {
		return err
	}
	u.log.Info("%s firmware %s", info.Model, info.Firmware)
	_, err = u.QueryStatus(ctx)
	return err
}

// StartDrying runs the dryer at temp °C for minutes.
func (u *Unit) StartDrying(ctx context.Context, temp, minutes int) error {
	if temp <= 0 || temp > u.cfg.MaxDryerTemp {
		return errors.InvalidParameterError("ACE_START_DRYING", "TEMP", fmt.Sprint(temp),
			fmt.Sprintf("must be 1..%d", u.cfg.MaxDryerTemp)).SetUnit(u.cfg.Index)
	}
	if minutes <= 0 {
		return errors.InvalidParameterError("ACE_START_DRYING", "DURATION", fmt.Sprint(minutes),
			"must be positive").SetUnit(u.cfg.Index)
	}
	if err := u.command(ctx, protocol.Drying(temp, DryerFanSpeed, minutes), transport.PriorityNormal); err != nil {
		return err
	}
	u.log.Info("drying at %d°C for %d min", temp, minutes)
	return nil
}

func (u *Unit) StopDrying(ctx context.Context) error {
	if err := u.command(ctx, protocol.DryingStop(), transport.PriorityNormal); err != nil {
		return err
	}
	u.log.Info("drying stopped")
	return nil
}
