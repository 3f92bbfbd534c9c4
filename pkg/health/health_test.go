package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-ace/pkg/serial"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMonitor(c *fakeClock) *Monitor {
	return NewMonitor(Config{
		ReconnectWindow:          time.Minute,
		MaxReconnects:            3,
		MinStableDuration:        10 * time.Second,
		AnomalyWindow:            30 * time.Second,
		TopologyFailureThreshold: 3,
		Now:                      c.Now,
	})
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: 5 * time.Second})
	want := []time.Duration{1, 2, 4, 5, 5}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, 5, b.Attempts())
	b.Reset()
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffJitterBounded(t *testing.T) {
	b := NewBackoff(BackoffConfig{Initial: time.Second, Max: time.Second, Jitter: 0.5})
	for i := 0; i < 50; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestStabilityNeedsDurationAndFewReconnects(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestMonitor(clock).Unit(0)

	assert.False(t, h.Stable(), "never connected")
	h.NoteConnected()
	assert.False(t, h.Stable(), "connected too briefly")
	clock.Advance(11 * time.Second)
	assert.True(t, h.Stable())

	for i := 0; i < 3; i++ {
		h.NoteDisconnected()
		clock.Advance(time.Second)
		h.NoteConnected()
	}
	clock.Advance(11 * time.Second)
	assert.Equal(t, 3, h.Reconnects())
	assert.False(t, h.Stable(), "flapping link is not stable")

	clock.Advance(time.Minute)
	assert.Equal(t, 0, h.Reconnects())
	assert.True(t, h.Stable(), "reconnects aged out of the window")
}

func TestAnomalyWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestMonitor(clock).Unit(1)

	h.NoteAnomaly(AnomalyTimeout)
	h.NoteAnomaly(AnomalyUnmatched)
	clock.Advance(20 * time.Second)
	h.NoteAnomaly(AnomalyUnmatched)
	assert.Equal(t, 3, h.Anomalies(""))
	assert.Equal(t, 2, h.Anomalies(AnomalyUnmatched))

	clock.Advance(15 * time.Second)
	assert.Equal(t, 1, h.Anomalies(""))
	snap := h.Snapshot()
	assert.Equal(t, map[string]int{AnomalyUnmatched: 1}, snap.Anomalies)
}

func TestTopologyVerdicts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestMonitor(clock).Unit(0)
	home := serial.Fingerprint{Port: "1-1.2", Depth: 2}
	moved := serial.Fingerprint{Port: "1-1.2.1", Depth: 3}

	assert.Equal(t, VerdictRecorded, h.CheckTopology(home))
	assert.Equal(t, VerdictMatch, h.CheckTopology(serial.Fingerprint{Port: "1-1.3", Depth: 2}))

	assert.Equal(t, VerdictMismatch, h.CheckTopology(moved))
	assert.Equal(t, VerdictMismatch, h.CheckTopology(moved))
	assert.Equal(t, VerdictInvalidated, h.CheckTopology(moved))
	_, ok := h.Expected()
	assert.False(t, ok, "expectation dropped after threshold")

	assert.Equal(t, VerdictRecorded, h.CheckTopology(moved))
	exp, ok := h.Expected()
	require.True(t, ok)
	assert.Equal(t, moved, exp)
}

func TestMatchResetsMismatchCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestMonitor(clock).Unit(0)
	home := serial.Fingerprint{Port: "1-1", Depth: 1}
	other := serial.Fingerprint{Port: "1-1.4", Depth: 2}

	h.CheckTopology(home)
	h.CheckTopology(other)
	h.CheckTopology(other)
	h.CheckTopology(home)
	assert.Equal(t, VerdictMismatch, h.CheckTopology(other))
	assert.Equal(t, 1, h.Snapshot().Mismatches)
}

func TestMonitorSnapshotsOrdered(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestMonitor(clock)
	m.Unit(2).NoteConnected()
	m.Unit(0).NoteConnected()
	clock.Advance(time.Minute)

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, 0, snaps[0].Index)
	assert.Equal(t, 2, snaps[1].Index)
	assert.Equal(t, time.Minute, snaps[0].ConnectedFor)
	assert.True(t, m.AllStable())
	assert.Same(t, m.Unit(2), m.Unit(2))
}

func TestEstablishAdoptsCurrentFingerprint(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	h := newTestMonitor(clock).Unit(0)

	h.Establish()
	_, ok := h.Expected()
	assert.False(t, ok, "nothing connected yet")

	first := serial.Fingerprint{Port: "1-1", Depth: 1}
	second := serial.Fingerprint{Port: "1-1.1", Depth: 2}
	h.CheckTopology(first)
	assert.Equal(t, VerdictMismatch, h.CheckTopology(second))

	h.Establish()
	exp, ok := h.Expected()
	require.True(t, ok)
	assert.Equal(t, second, exp)
	assert.Zero(t, h.Snapshot().Mismatches)
	assert.Equal(t, VerdictMatch, h.CheckTopology(second))
}
