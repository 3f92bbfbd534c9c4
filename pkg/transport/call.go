package transport

import (
	"context"
	"sync"
	"time"

	"klipper-ace/pkg/protocol"
)

// Priority selects the queue a request waits in.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Kind tags what a response must be applied to once it arrives.
type Kind int

const (
	// KindCommand is a move, feed assist or dryer command; only the
	// acknowledgement matters.
	KindCommand Kind = iota
	// KindStatus carries a get_status result.
	KindStatus
	// KindInfo carries a get_info result.
	KindInfo
	// KindFilamentInfo carries RFID tag data for one slot.
	KindFilamentInfo
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindStatus:
		return "status"
	case KindInfo:
		return "info"
	case KindFilamentInfo:
		return "filament_info"
	}
	return "unknown"
}

// KindOf returns the tag a request of the given method is issued with.
func KindOf(method string) Kind {
	switch method {
	case protocol.MethodGetStatus:
		return KindStatus
	case protocol.MethodGetInfo:
		return KindInfo
	case protocol.MethodGetFilamentInfo:
		return KindFilamentInfo
	}
	return KindCommand
}

// Call is one request travelling through the transport. It resolves
// exactly once, with either Response set or Err set.
type Call struct {
	Request  protocol.Request
	Kind     Kind
	Priority Priority

	Response *protocol.Response
	Err      error
	Issued   time.Time

	once sync.Once
	done chan struct{}
}

func newCall(req protocol.Request, kind Kind, prio Priority) *Call {
	return &Call{Request: req, Kind: kind, Priority: prio, done: make(chan struct{})}
}

func (c *Call) resolve(resp *protocol.Response, err error) {
	c.once.Do(func() {
		c.Response = resp
		c.Err = err
		close(c.done)
	})
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call resolves or ctx ends. A cancelled wait does
// not cancel the request; it still resolves later.
func (c *Call) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-c.done:
		return c.Response, c.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
