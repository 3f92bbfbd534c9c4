package ace

import (
	"context"

	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/sensor"
)

// blockedAt names the first sensor that still shows filament, or "".
func (u *Unit) blockedAt() sensor.ID {
	if u.sensors.Available(sensor.Toolhead) && sensor.Instant(u.sensors, sensor.Toolhead) {
		return sensor.Toolhead
	}
	if u.cfg.ReturnModuleSensor && u.sensors.Available(sensor.ReturnModule) &&
		sensor.Instant(u.sensors, sensor.ReturnModule) {
		return sensor.ReturnModule
	}
	return ""
}

// SmartUnloadSlot retracts the fixed park-to-unit length and checks the
// path sensors. If filament is still seen it retracts further in slow
// steps; a path still blocked after the last step is an error.
func (u *Unit) SmartUnloadSlot(ctx context.Context, slot int) error {
	if err := u.Retract(ctx, slot, u.cfg.ParkToUnit, u.cfg.RetractSpeed); err != nil {
		return err
	}
	blocked := u.blockedAt()
	if blocked == "" {
		return nil
	}
	u.log.WithField("sensor", string(blocked)).Warnf("slot %d still detected after %dmm, slow retract", slot, u.cfg.ParkToUnit)
	for step := 1; step <= u.cfg.SlowRetractSteps; step++ {
		if err := u.Retract(ctx, slot, u.cfg.SlowRetractStep, u.cfg.SlowRetractSpeed); err != nil {
			return err
		}
		if blocked = u.blockedAt(); blocked == "" {
			u.log.Info("slot %d cleared after %d slow steps", slot, step)
			return nil
		}
	}
	return errors.PathBlockedError(u.cfg.Index, slot, string(blocked)).
		SetContext("steps", u.cfg.SlowRetractSteps)
}
