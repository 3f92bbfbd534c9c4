package runout

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-ace/pkg/host"
	"klipper-ace/pkg/host/mocks"
	"klipper-ace/pkg/reactor"
	"klipper-ace/pkg/sensor"
)

func newMonitor(t *testing.T, debounce int, printer host.Printer, tool *atomic.Int32) (*Monitor, chan int) {
	t.Helper()
	got := make(chan int, 4)
	r := reactor.New()
	t.Cleanup(r.End)
	m := New(Config{Debounce: debounce}, r, sensor.NewStatic(sensor.Toolhead), printer,
		func() int { return int(tool.Load()) }, func(tool int) { got <- tool }, nil, nil)
	m.Start()
	return m, got
}

func printing() *host.Standalone {
	p := host.NewStandalone(nil)
	p.SetPrinting(true)
	return p
}

func toolLoaded(n int32) *atomic.Int32 {
	var a atomic.Int32
	a.Store(n)
	return &a
}

func TestDebounceRequiresExactlyNAbsentReads(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		m, got := newMonitor(t, n, printing(), toolLoaded(2))
		m.Check()
		require.True(t, m.Active())

		require.False(t, m.Sample(true), "baseline")
		for i := 1; i < n; i++ {
			require.False(t, m.Sample(false), "debounce %d: read %d confirmed early", n, i)
		}
		require.True(t, m.Sample(false), "debounce %d: read %d must confirm", n, n)
		assert.False(t, m.Active())

		select {
		case tool := <-got:
			assert.Equal(t, 2, tool)
		case <-time.After(time.Second):
			t.Fatal("handler not called")
		}
	}
}

func TestGlitchDoesNotTrigger(t *testing.T) {
	m, got := newMonitor(t, 2, printing(), toolLoaded(0))
	m.Check()

	m.Sample(true)
	assert.False(t, m.Sample(false))
	assert.False(t, m.Sample(true))
	assert.False(t, m.Sample(false))
	assert.False(t, m.Sample(true))
	assert.True(t, m.Active())
	assert.Empty(t, got)
}

func TestAbsentBaselineNeverTriggers(t *testing.T) {
	m, got := newMonitor(t, 1, printing(), toolLoaded(0))
	m.Check()

	for i := 0; i < 5; i++ {
		assert.False(t, m.Sample(false))
	}
	assert.Empty(t, got)
}

func TestOnlyRunsWhilePrintingWithTool(t *testing.T) {
	p := host.NewStandalone(nil)
	tool := toolLoaded(-1)
	m, _ := newMonitor(t, 1, p, tool)

	m.Check()
	assert.False(t, m.Active())

	p.SetPrinting(true)
	m.Check()
	assert.False(t, m.Active(), "no tool loaded")

	tool.Store(3)
	m.Check()
	assert.True(t, m.Active())

	require.NoError(t, p.Pause("user"))
	m.Check()
	assert.False(t, m.Active())
	assert.False(t, m.Sample(false))
}

func TestSuspendDuringToolChange(t *testing.T) {
	m, got := newMonitor(t, 1, printing(), toolLoaded(1))
	m.Check()
	m.Sample(true)

	m.Suspend()
	assert.False(t, m.Active())
	assert.False(t, m.Sample(false))

	m.Resume()
	assert.True(t, m.Active())
	assert.False(t, m.Sample(false), "new baseline after resume")
	assert.Empty(t, got)
	assert.Equal(t, true, m.Status()["enabled"])
}

func TestReactorPollingAndWatchdogRecovery(t *testing.T) {
	p := mocks.NewPrinter(t)
	var isPrinting atomic.Bool
	p.EXPECT().IsPrinting().RunAndReturn(isPrinting.Load)

	sensors := sensor.NewStatic(sensor.Toolhead)
	sensors.Set(sensor.Toolhead, true)
	got := make(chan int, 1)
	r := reactor.New()
	m := New(Config{PollInterval: 5 * time.Millisecond, WatchdogInterval: 10 * time.Millisecond},
		r, sensors, p, func() int { return 4 }, func(tool int) { got <- tool }, nil, nil)
	m.Start()
	r.Run()
	defer func() { r.End(); r.Wait() }()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.Active())

	isPrinting.Store(true)
	require.Eventually(t, m.Active, time.Second, 5*time.Millisecond, "watchdog starts detection")
	require.Eventually(t, func() bool { return sensors.Reads(sensor.Toolhead) >= 2 }, time.Second, 5*time.Millisecond)

	sensors.Set(sensor.Toolhead, false)
	select {
	case tool := <-got:
		assert.Equal(t, 4, tool)
	case <-time.After(time.Second):
		t.Fatal("runout not reported")
	}
	assert.Equal(t, 4, m.Status()["last_runout"])
	m.Stop()
}
