// Package serial opens the USB CDC serial links of ACE units.
package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	ErrTimeout = errors.New("serial: read timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// DefaultBaudRate is the rate every ACE firmware speaks.
const DefaultBaudRate = 115200

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g. /dev/ttyACM0)
	Device string

	// Baud rate (default: 115200)
	BaudRate int

	// ReadTimeout bounds a single Read; zero blocks until data or hangup.
	ReadTimeout time.Duration
}

// Port is an open raw-mode tty.
type Port struct {
	mu      sync.Mutex
	fd      int
	device  string
	timeout time.Duration
	closed  bool
	saved   *unix.Termios
}

var speeds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
}

// Open puts the device in raw 8N1 mode at the configured rate.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	speed, ok := speeds[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("serial: unsupported baud rate %d", cfg.BaudRate)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}
	saved, err := unix.IoctlGetTermios(fd, reqGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: %s is not a tty: %w", cfg.Device, err)
	}

	t := *saved
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	t.Oflag &^= unix.OPOST
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	applySpeed(&t, speed)

	if err := unix.IoctlSetTermios(fd, reqSetTermios, &t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: configure %s: %w", cfg.Device, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}
	p := &Port{fd: fd, device: cfg.Device, timeout: cfg.ReadTimeout, saved: saved}
	// Stale bytes from a previous session would only produce bad frames.
	_ = p.Flush()
	return p, nil
}

// Read waits up to the read timeout for data. A hangup, which is what
// a USB unplug looks like, is reported as io.EOF.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd, timeout := p.fd, p.timeout
	p.mu.Unlock()

	ms := -1
	if timeout > 0 {
		ms = int(timeout.Milliseconds())
	}
	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("serial: poll: %w", err)
		}
		if n == 0 {
			return 0, ErrTimeout
		}
		if pfd[0].Revents&unix.POLLIN == 0 && pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return 0, io.EOF
		}
		break
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of buf.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	written := 0
	for written < len(buf) {
		n, err := unix.Write(fd, buf[written:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("serial: write: %w", err)
		}
		written += n
	}
	return written, nil
}

// Close restores the saved line settings and releases the device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.saved != nil {
		_ = unix.IoctlSetTermios(p.fd, reqSetTermios, p.saved)
	}
	return unix.Close(p.fd)
}

// Flush discards unread input and unsent output.
func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return unix.IoctlSetInt(p.fd, reqFlush, unix.TCIOFLUSH)
}

// Device returns the device path.
func (p *Port) Device() string { return p.device }
