package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"klipper-ace/pkg/serial"
)

// Dialer opens the link to one unit and reports where it is attached.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error)

func (f DialFunc) Dial(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error) {
	return f(ctx)
}

// SerialDialer opens a USB serial port. Without a Device it re-enumerates
// on every dial and takes the Position'th ACE in depth order.
type SerialDialer struct {
	Device     string
	Position   int
	BaudRate   int
	Enumerator serial.Enumerator
}

// pollInterval bounds how long a blocked read holds the port so Close
// is noticed promptly.
const pollInterval = 200 * time.Millisecond

func (d SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, serial.Fingerprint{}, err
	}
	device := d.Device
	var fp serial.Fingerprint
	if device == "" {
		aces, err := d.Enumerator.FindACE()
		if err != nil {
			return nil, fp, err
		}
		if d.Position >= len(aces) {
			return nil, fp, fmt.Errorf("ace #%d not found (%d connected)", d.Position, len(aces))
		}
		device = aces[d.Position].Device
		fp = aces[d.Position].Fingerprint()
	} else if info, err := d.Enumerator.Lookup(device); err == nil {
		fp = info.Fingerprint()
	}
	port, err := serial.Open(serial.Config{
		Device:      device,
		BaudRate:    d.BaudRate,
		ReadTimeout: pollInterval,
	})
	if err != nil {
		return nil, fp, err
	}
	return port, fp, nil
}

// TCPDialer reaches a simulated unit. The fingerprint is whatever the
// caller says the unit's position is.
type TCPDialer struct {
	Address     string
	Fingerprint serial.Fingerprint
}

func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, serial.Fingerprint, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, d.Fingerprint, err
	}
	return conn, d.Fingerprint, nil
}
