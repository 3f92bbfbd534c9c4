package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"klipper-ace/pkg/ace"
	"klipper-ace/pkg/acesim"
	"klipper-ace/pkg/endless"
	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/health"
	"klipper-ace/pkg/host"
	"klipper-ace/pkg/host/mocks"
	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/sensor"
	"klipper-ace/pkg/serial"
	"klipper-ace/pkg/state"
	"klipper-ace/pkg/transport"
)

var (
	red  = [3]int{255, 0, 0}
	blue = [3]int{0, 0, 255}
)

func testPath() LoadPath {
	return LoadPath{
		ParkToUnit:       100,
		ParkToToolhead:   700,
		ToolheadToNozzle: 60,
		ExtruderSpeed:    5,
		IdentifyLength:   60,
		PurgeLength:      25,
		PurgeMultiplier:  2,
		PurgeSpeed:       5,
	}
}

func testManagerConfig() Config {
	return Config{
		SlotWaitTimeout:  time.Second,
		ReadyDwell:       10 * time.Millisecond,
		SlotPollInterval: 5 * time.Millisecond,
		ConnectTimeout:   time.Second,
		EndlessMode:      endless.ModeMaterial,
	}
}

func testHealth(threshold int) *health.Monitor {
	return health.NewMonitor(health.Config{
		TopologyFailureThreshold: threshold,
		Backoff:                  health.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
	})
}

type rig struct {
	m          *Manager
	sims       []*acesim.Unit
	transports []*transport.Transport
	sensors    *sensor.Static
	store      state.Store
}

// coupleSensor makes the toolhead sensor follow the filament: any feed
// reaches it, any unwind clears it.
func coupleSensor(sim *acesim.Unit, s *sensor.Static) {
	sim.OnMove(func(mv acesim.Move) {
		s.Set(sensor.Toolhead, mv.Method == protocol.MethodFeedFilament)
	})
}

// newRig connects one simulated unit per sim to a fresh manager. The
// toolhead sensor follows filament motion unless a test rewires it.
func newRig(t *testing.T, cfg Config, d Deps, sims ...*acesim.Unit) *rig {
	t.Helper()
	r := &rig{sims: sims, sensors: sensor.NewStatic(sensor.Toolhead)}
	if d.Store == nil {
		d.Store = state.NewMemory()
	}
	if d.Health == nil {
		d.Health = testHealth(3)
	}
	d.Sensors = r.sensors
	r.store = d.Store
	r.m = New(cfg, d)

	for i, sim := range sims {
		sim.SetFingerprint(serial.Fingerprint{Port: fmt.Sprintf("/dev/ttyACM%d", i), Depth: 2})
		coupleSensor(sim, r.sensors)
		u := ace.New(ace.Config{
			Index:        i,
			RetryBackoff: 5 * time.Millisecond,
			PollInterval: 5 * time.Millisecond,
			IdleRequery:  20 * time.Millisecond,
			ReadyTimeout: time.Second,
		}, r.sensors, nil, nil)
		tr := transport.New(transport.Config{
			Unit:           i,
			StatusInterval: -1,
			Health:         r.m.Health().Unit(i),
		}, transport.DialFunc(sim.Dial), u)
		r.m.AddUnit(u, testPath(), tr)
		tr.Start(context.Background())
		t.Cleanup(func() { tr.Close() })
		r.transports = append(r.transports, tr)
	}
	for i := range sims {
		tr := r.transports[i]
		require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)
		h := r.m.Health().Unit(i)
		require.Eventually(t, func() bool {
			_, ok := h.Expected()
			return ok && !r.m.Busy()
		}, time.Second, 5*time.Millisecond)
	}
	t.Cleanup(r.m.Stop)
	return r
}

func (r *rig) unit(i int) *ace.Unit {
	u, _ := r.m.Registry().Unit(i)
	return u
}

func permissiveMotion(t *testing.T) *mocks.Motion {
	mo := mocks.NewMotion(t)
	mo.EXPECT().Extrude(mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mo.EXPECT().WaitMoves(mock.Anything).Return(nil).Maybe()
	return mo
}

func TestRegistryToolMapping(t *testing.T) {
	reg := NewRegistry()
	for _, i := range []int{1, 0} {
		reg.Add(ace.New(ace.Config{Index: i}, nil, nil, nil))
	}
	require.Equal(t, 8, reg.ToolCount())

	for tool := 0; tool < reg.ToolCount(); tool++ {
		u, slot, ok := reg.ToolToUnit(tool)
		require.True(t, ok, "tool %d", tool)
		assert.Equal(t, tool/4, u.Index())
		assert.Equal(t, tool, reg.UnitTool(u.Index(), slot))
	}
	for _, tool := range []int{-1, 8, 100} {
		_, _, ok := reg.ToolToUnit(tool)
		assert.False(t, ok, "tool %d", tool)
	}
	assert.Equal(t, -1, reg.UnitTool(2, 0))
	assert.Equal(t, -1, reg.UnitTool(0, 4))
	assert.Equal(t, -1, reg.UnitTool(0, -1))
}

func TestPositionNames(t *testing.T) {
	for _, p := range []Position{InStorage, AtMidPathSensor, AtToolheadSensor, AtNozzle} {
		got, ok := ParsePosition(p.String())
		require.True(t, ok)
		assert.Equal(t, p, got)
	}
	got, ok := ParsePosition("bowden")
	assert.False(t, ok)
	assert.Equal(t, InStorage, got)
}

func TestChangeToolLoadsToolFiveOnSecondUnit(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	sims[1].LoadSpool(1, "PLA", red, 200, 220)

	mo := mocks.NewMotion(t)
	mo.EXPECT().Extrude(mock.Anything, 60.0, 5.0).Return(nil).Once()
	mo.EXPECT().Extrude(mock.Anything, 50.0, 5.0).Return(nil).Once()
	mo.EXPECT().WaitMoves(mock.Anything).Return(nil).Times(2)

	r := newRig(t, testManagerConfig(), Deps{Motion: mo}, sims...)
	require.Eventually(t, func() bool { return r.unit(1).Slot(1).Ready() }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.m.ChangeTool(context.Background(), 5))

	assert.Equal(t, 5, r.m.CurrentTool())
	assert.Equal(t, AtNozzle, r.m.Position())
	assert.Equal(t, 1, r.m.FeedAssistIndex(1))
	assert.Equal(t, 1, sims[1].FeedAssist())
	assert.Zero(t, sims[0].Count(protocol.MethodFeedFilament))

	assert.Equal(t, 5, state.Int(r.store, keyCurrentTool, -1))
	assert.Equal(t, "at-nozzle", state.String(r.store, keyPosition, ""))
	assert.Equal(t, 1, state.Int(r.store, keyFeedAssist(1), -1))

	moves := sims[1].Moves()
	require.Len(t, moves, 2)
	assert.Equal(t, acesim.Move{Method: protocol.MethodFeedFilament, Index: 1, Length: 100, Speed: ace.DefaultFeedSpeed}, moves[0])
	assert.Equal(t, 700, moves[1].Length)

	// Loading the tool that is already at the nozzle does nothing.
	require.NoError(t, r.m.ChangeTool(context.Background(), 5))
	assert.Len(t, sims[1].Moves(), 2)
}

func TestUnloadWithNothingLoadedIsNoop(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	mo := mocks.NewMotion(t)

	r := newRig(t, testManagerConfig(), Deps{Motion: mo}, sim)
	require.NoError(t, r.m.Unload(context.Background()))

	assert.Zero(t, sim.Count(protocol.MethodUnwindFilament))
	assert.Zero(t, sim.Count(protocol.MethodFeedFilament))
	assert.Equal(t, InStorage, r.m.Position())
	assert.Equal(t, -1, r.m.CurrentTool())
}

func TestChangeToolRejectsUnknownTool(t *testing.T) {
	r := newRig(t, testManagerConfig(), Deps{Motion: mocks.NewMotion(t)}, acesim.New(0))
	err := r.m.ChangeTool(context.Background(), 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))
}

func TestChangeToolSwapsBetweenUnits(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	sims[0].LoadSpool(2, "PETG", blue, 230, 250)
	sims[1].LoadSpool(0, "PLA", red, 200, 220)

	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sims...)
	require.Eventually(t, func() bool {
		return r.unit(0).Slot(2).Ready() && r.unit(1).Slot(0).Ready()
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, r.m.ChangeTool(ctx, 2))
	require.NoError(t, r.m.ChangeTool(ctx, 4))

	assert.Equal(t, 4, r.m.CurrentTool())
	assert.Equal(t, -1, r.m.FeedAssistIndex(0))
	assert.Equal(t, -1, sims[0].FeedAssist())
	assert.Equal(t, 0, r.m.FeedAssistIndex(1))

	var unwound []int
	for _, mv := range sims[0].Moves() {
		if mv.Method == protocol.MethodUnwindFilament {
			unwound = append(unwound, mv.Length)
		}
	}
	assert.Equal(t, []int{700, 100}, unwound)
}

func TestFullUnloadRetractsEveryReadySlot(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	sim.LoadSpool(3, "PLA", blue, 200, 220)

	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(3).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 0))
	require.NoError(t, r.m.FullUnload(context.Background()))

	assert.Equal(t, -1, r.m.CurrentTool())
	assert.Equal(t, InStorage, r.m.Position())
	// 700 + 100 for the loaded tool, then one park retraction per ready slot.
	assert.Equal(t, 4, sim.Count(protocol.MethodUnwindFilament))
}

func TestSmartLoadRequiresEmptyPath(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	sim.LoadSpool(1, "PLA", blue, 200, 220)

	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(1).Ready() }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.m.SmartLoad(context.Background()))
	assert.Equal(t, 4, sim.Count(protocol.MethodFeedFilament))
	assert.Equal(t, InStorage, r.m.Position())
	assert.False(t, sensor.Instant(r.sensors, sensor.Toolhead))

	require.NoError(t, r.m.ChangeTool(context.Background(), 0))
	err := r.m.SmartLoad(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrHWConsistency))
}

func TestSlotWaitTimesOutAndPauses(t *testing.T) {
	sim := acesim.New(0)
	pr := mocks.NewPrinter(t)
	pr.EXPECT().IsPrinting().Return(true).Maybe()
	pr.EXPECT().Pause(mock.Anything).Return(nil).Once()

	cfg := testManagerConfig()
	cfg.SlotWaitTimeout = 50 * time.Millisecond
	r := newRig(t, cfg, Deps{Motion: mocks.NewMotion(t), Printer: pr}, sim)

	var mu sync.Mutex
	var prompts []string
	r.m.OnPrompt(func(msg string) {
		mu.Lock()
		prompts = append(prompts, msg)
		mu.Unlock()
	})

	err := r.m.ChangeTool(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOperatorSlotNotReady))
	assert.Equal(t, -1, r.m.CurrentTool())
	assert.Equal(t, InStorage, r.m.Position())
	assert.Zero(t, sim.Count(protocol.MethodFeedFilament))
	assert.NotEmpty(t, r.m.Status().LastError)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, prompts, 2)
}

func TestSlotWaitContinuesOnceFilamentInserted(t *testing.T) {
	sim := acesim.New(0)
	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sim)

	go func() {
		time.Sleep(30 * time.Millisecond)
		sim.LoadSpool(1, "ABS", blue, 240, 260)
	}()
	require.NoError(t, r.m.ChangeTool(context.Background(), 1))
	assert.Equal(t, 1, r.m.CurrentTool())
	assert.Equal(t, "ABS", r.unit(0).Slot(1).Material)
}

func TestSensorNotReachedAfterRetries(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: mocks.NewMotion(t)}, sim)
	sim.OnMove(func(acesim.Move) {})
	require.Eventually(t, func() bool { return r.unit(0).Slot(0).Ready() }, time.Second, 5*time.Millisecond)

	err := r.m.ChangeTool(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrOperatorPathBlocked))
	assert.Equal(t, AtMidPathSensor, r.m.Position())
	assert.Equal(t, -1, r.m.CurrentTool())
	// park-to-unit, park-to-toolhead, then five retry steps
	assert.Equal(t, 7, sim.Count(protocol.MethodFeedFilament))
}

func TestIdentifyFindsLoadedSlot(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	sim.LoadSpool(2, "PETG", blue, 230, 250)

	mo := mocks.NewMotion(t)
	mo.EXPECT().Extrude(mock.Anything, -60.0, 5.0).Return(nil).Times(2)
	mo.EXPECT().WaitMoves(mock.Anything).Return(nil).Times(2)

	r := newRig(t, testManagerConfig(), Deps{Motion: mo}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(2).Ready() }, time.Second, 5*time.Millisecond)
	sim.OnMove(func(mv acesim.Move) {
		if mv.Method == protocol.MethodUnwindFilament && mv.Index == 2 {
			r.sensors.Set(sensor.Toolhead, false)
		}
	})
	r.sensors.Set(sensor.Toolhead, true)

	require.NoError(t, r.m.Unload(context.Background()))
	assert.Equal(t, InStorage, r.m.Position())
	assert.Equal(t, -1, r.m.CurrentTool())

	assert.Equal(t, []acesim.Move{
		{Method: protocol.MethodUnwindFilament, Index: 0, Length: 60, Speed: ace.DefaultRetractSpeed},
		{Method: protocol.MethodFeedFilament, Index: 0, Length: 60, Speed: ace.DefaultFeedSpeed},
		{Method: protocol.MethodUnwindFilament, Index: 2, Length: 60, Speed: ace.DefaultRetractSpeed},
		{Method: protocol.MethodUnwindFilament, Index: 2, Length: 100, Speed: ace.DefaultRetractSpeed},
	}, sim.Moves())
}

func TestIdentifyGivesUpAfterOnePass(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(1, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	sim.OnMove(func(acesim.Move) {})
	r.sensors.Set(sensor.Toolhead, true)

	err := r.m.Unload(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFatalIdentify))
	assert.Equal(t, 1, sim.Count(protocol.MethodUnwindFilament))
}

func TestResyncWhenStoredButDetected(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(1, "PLA", red, 200, 220)
	store := state.NewMemory()
	require.NoError(t, store.Set(keyCurrentTool, 1))
	require.NoError(t, store.Set(keyPosition, InStorage.String()))

	mo := mocks.NewMotion(t)
	mo.EXPECT().Extrude(mock.Anything, -60.0, 5.0).Return(nil).Once()
	mo.EXPECT().WaitMoves(mock.Anything).Return(nil).Once()

	r := newRig(t, testManagerConfig(), Deps{Motion: mo, Store: store}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	r.sensors.Set(sensor.Toolhead, true)

	require.NoError(t, r.m.Unload(context.Background()))
	assert.Equal(t, -1, r.m.CurrentTool())
	assert.Equal(t, InStorage, r.m.Position())
	assert.False(t, sensor.Instant(r.sensors, sensor.Toolhead))
}

func TestStateSurvivesRestart(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	sims[1].LoadSpool(1, "PLA", red, 200, 220)
	store := state.NewMemory()

	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t), Store: store}, sims...)
	require.Eventually(t, func() bool { return r.unit(1).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 5))
	require.NoError(t, r.m.SetEndlessSpool(true))
	require.NoError(t, r.m.SetEndlessMode(endless.ModeNext))

	m := New(testManagerConfig(), Deps{Store: store})
	for i := 0; i < 2; i++ {
		m.AddUnit(ace.New(ace.Config{Index: i}, nil, nil, nil), testPath(), nil)
	}
	assert.Equal(t, 5, m.CurrentTool())
	assert.Equal(t, AtNozzle, m.Position())
	assert.Equal(t, 1, m.FeedAssistIndex(1))
	assert.True(t, m.Matcher().Enabled())
	assert.Equal(t, endless.ModeNext, m.Matcher().Mode())

	s, ok := m.Registry().SlotForTool(5)
	require.True(t, ok)
	assert.Equal(t, ace.SlotReady, s.Status)
	assert.Equal(t, "PLA", s.Material)
	assert.Equal(t, [3]uint8{255, 0, 0}, s.Color)
}

func TestTopologyMismatchDiscardsFeedAssist(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	sims[1].LoadSpool(1, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sims...)
	require.Eventually(t, func() bool { return r.unit(1).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 5))
	require.Equal(t, 1, r.m.FeedAssistIndex(1))
	require.Equal(t, 1, sims[1].Count(protocol.MethodStartFeedAssist))

	var mu sync.Mutex
	var prompts []string
	r.m.OnPrompt(func(msg string) {
		mu.Lock()
		prompts = append(prompts, msg)
		mu.Unlock()
	})

	sims[1].SetFingerprint(serial.Fingerprint{Port: "/dev/ttyACM1", Depth: 3})
	sims[1].Unplug()

	h := r.m.Health().Unit(1)
	require.Eventually(t, func() bool { return h.Snapshot().Mismatches == 1 && !r.m.Busy() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, -1, r.m.FeedAssistIndex(1))
	assert.Equal(t, -1, r.unit(1).FeedAssist())
	assert.Equal(t, 1, sims[1].Count(protocol.MethodStartFeedAssist))
	assert.Equal(t, -1, state.Int(r.store, keyFeedAssist(1), 0))
	// The mapping is stale; the filament stays where it was.
	assert.Equal(t, -1, r.m.CurrentTool())
	assert.Equal(t, AtNozzle, r.m.Position())
	assert.Equal(t, -1, state.Int(r.store, keyCurrentTool, 0))

	mu.Lock()
	assert.Len(t, prompts, 1)
	mu.Unlock()
}

func TestTopologyMatchRestoresFeedAssist(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(2, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(2).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 2))

	// A different port name at the same hub depth is the same unit.
	sim.SetFingerprint(serial.Fingerprint{Port: "/dev/ttyACM7", Depth: 2})
	sim.Unplug()

	require.Eventually(t, func() bool {
		return sim.Count(protocol.MethodStartFeedAssist) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.m.Busy() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, r.m.FeedAssistIndex(0))
	assert.Equal(t, 2, sim.FeedAssist())
}

func TestTopologyInvalidatedAfterThreshold(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t), Health: testHealth(2)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(0).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 0))

	moved := serial.Fingerprint{Port: "/dev/ttyACM3", Depth: 4}
	sim.SetFingerprint(moved)
	h := r.m.Health().Unit(0)

	dials := sim.Dials()
	sim.Unplug()
	require.Eventually(t, func() bool { return h.Snapshot().Mismatches == 1 && !r.m.Busy() }, time.Second, 5*time.Millisecond)
	sim.Unplug()

	// The second mismatch drops the expectation and forces a redial,
	// which records the new position.
	require.Eventually(t, func() bool {
		exp, ok := h.Expected()
		return ok && exp == moved && sim.Dials() >= dials+3
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !r.m.Busy() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, -1, r.m.FeedAssistIndex(0))
	assert.Equal(t, 1, sim.Count(protocol.MethodStartFeedAssist))
}

func TestRunoutSwapsToMatchingMaterial(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	sims[0].LoadSpool(2, "PLA", red, 200, 220)
	sims[0].LoadSpool(3, "PETG", red, 230, 250)
	sims[1].LoadSpool(2, "PLA", blue, 200, 220)

	pr := mocks.NewPrinter(t)
	pr.EXPECT().IsPrinting().Return(true).Maybe()
	pr.EXPECT().Pause(mock.Anything).Return(nil).Once()
	pr.EXPECT().Resume().Return(nil).Once()

	cfg := testManagerConfig()
	cfg.EndlessSpool = true
	r := newRig(t, cfg, Deps{Motion: permissiveMotion(t), Printer: pr}, sims...)
	require.Eventually(t, func() bool {
		return r.unit(0).Slot(3).Ready() && r.unit(1).Slot(2).Ready()
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 2))

	sims[0].Empty(2)
	r.sensors.Set(sensor.Toolhead, false)
	require.NoError(t, r.m.HandleRunout(context.Background(), 2))

	assert.Equal(t, 6, r.m.CurrentTool())
	assert.Equal(t, AtNozzle, r.m.Position())
	assert.Equal(t, 2, r.m.FeedAssistIndex(1))
	assert.Equal(t, -1, r.m.FeedAssistIndex(0))
	// T3 holds PETG and is skipped; unit 0 only saw the original load.
	assert.Equal(t, 2, sims[0].Count(protocol.MethodFeedFilament))
}

func TestRunoutWithoutEndlessSpoolStaysPaused(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	sim.LoadSpool(1, "PLA", red, 200, 220)
	printer := host.NewStandalone(nil)
	printer.SetPrinting(true)

	r := newRig(t, testManagerConfig(), Deps{Motion: permissiveMotion(t), Printer: printer}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 0))

	require.NoError(t, r.m.HandleRunout(context.Background(), 0))
	paused, reason := printer.Paused()
	assert.True(t, paused)
	assert.Contains(t, reason, "T0")
	assert.Equal(t, 0, r.m.CurrentTool())
}

func TestRunoutSwapExhaustedStaysPaused(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", red, 200, 220)
	sim.LoadSpool(1, "PETG", red, 230, 250)
	printer := host.NewStandalone(nil)
	printer.SetPrinting(true)

	cfg := testManagerConfig()
	cfg.EndlessSpool = true
	r := newRig(t, cfg, Deps{Motion: permissiveMotion(t), Printer: printer}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(1).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 0))

	err := r.m.HandleRunout(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFatalSwap))
	paused, _ := printer.Paused()
	assert.True(t, paused)
}

func TestRunoutUnloadFailureKeepsCandidates(t *testing.T) {
	sim := acesim.New(0)
	for i := 0; i < 4; i++ {
		sim.LoadSpool(i, "PLA", red, 200, 220)
	}
	var jammed sync.Mutex
	jam := false
	mo := mocks.NewMotion(t)
	mo.EXPECT().Extrude(mock.Anything, mock.Anything, mock.Anything).RunAndReturn(
		func(_ context.Context, length, _ float64) error {
			jammed.Lock()
			defer jammed.Unlock()
			if jam && length < 0 {
				return fmt.Errorf("extruder jammed")
			}
			return nil
		}).Maybe()
	mo.EXPECT().WaitMoves(mock.Anything).Return(nil).Maybe()
	printer := host.NewStandalone(nil)
	printer.SetPrinting(true)

	cfg := testManagerConfig()
	cfg.EndlessSpool = true
	r := newRig(t, cfg, Deps{Motion: mo, Printer: printer}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(3).Ready() }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.m.ChangeTool(context.Background(), 0))

	jammed.Lock()
	jam = true
	jammed.Unlock()
	err := r.m.HandleRunout(context.Background(), 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, errors.ErrFatalSwap))
	paused, _ := printer.Paused()
	assert.True(t, paused)
	for slot := 1; slot < 4; slot++ {
		assert.True(t, r.unit(0).Slot(slot).Ready(), "slot %d must stay ready", slot)
	}
	assert.Equal(t, 2, sim.Count(protocol.MethodFeedFilament), "only the original load")
}

func TestDirectOperationsValidateUnit(t *testing.T) {
	r := newRig(t, testManagerConfig(), Deps{Motion: mocks.NewMotion(t)}, acesim.New(0))
	ctx := context.Background()

	for name, err := range map[string]error{
		"feed":    r.m.Feed(ctx, 1, 0, 10, 0),
		"retract": r.m.Retract(ctx, 3, 0, 10, 0),
		"stop":    r.m.StopFeed(ctx, -1, 0),
		"dry":     r.m.StartDrying(ctx, 5, 50, 60),
		"slot":    r.m.SetSlot(2, 0, "PLA", nil, 0),
		"connect": r.m.Reconnect(9),
	} {
		assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam), name)
	}
}

func TestDirectFeedAndDrying(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(3, "PLA", red, 200, 220)
	r := newRig(t, testManagerConfig(), Deps{Motion: mocks.NewMotion(t)}, sim)
	require.Eventually(t, func() bool { return r.unit(0).Slot(3).Ready() }, time.Second, 5*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, r.m.Feed(ctx, 0, 3, 25, 10))
	require.NoError(t, r.m.Retract(ctx, 0, 3, 25, 10))
	assert.Equal(t, []acesim.Move{
		{Method: protocol.MethodFeedFilament, Index: 3, Length: 25, Speed: 10},
		{Method: protocol.MethodUnwindFilament, Index: 3, Length: 25, Speed: 10},
	}, sim.Moves())

	require.NoError(t, r.m.StartDrying(ctx, 0, 50, 120))
	assert.Equal(t, "drying", sim.Dryer().Status)
	require.NoError(t, r.m.StopDrying(ctx, 0))
	assert.Equal(t, "stop", sim.Dryer().Status)

	require.NoError(t, r.m.SetSlot(0, 3, "PETG", &[3]uint8{1, 2, 3}, 240))
	var recs []slotRecord
	ok, err := state.Decode(r.store, keyInventory(0), &recs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PETG", recs[3].Material)
	assert.Equal(t, 240, recs[3].Temp)
}

func TestStatusReportsUnitsAndConnections(t *testing.T) {
	sims := []*acesim.Unit{acesim.New(0), acesim.New(1)}
	r := newRig(t, testManagerConfig(), Deps{Motion: mocks.NewMotion(t)}, sims...)

	st := r.m.Status()
	assert.Equal(t, -1, st.CurrentTool)
	assert.Equal(t, InStorage, st.Position)
	assert.False(t, st.Busy)
	assert.Equal(t, string(endless.ModeMaterial), st.EndlessMode)
	require.Len(t, st.Units, 2)
	require.Len(t, st.Connections, 2)
	assert.True(t, st.Connections[1].Connected)
	assert.Equal(t, 1, st.Units[1].Index)
}
