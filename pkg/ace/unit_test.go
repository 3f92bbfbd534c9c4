package ace

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"klipper-ace/pkg/acesim"
	"klipper-ace/pkg/errors"
	"klipper-ace/pkg/health"
	"klipper-ace/pkg/protocol"
	"klipper-ace/pkg/sensor"
	"klipper-ace/pkg/transport"
)

func testConfig() Config {
	return Config{
		RetryBackoff: 5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		IdleRequery:  20 * time.Millisecond,
		ReadyTimeout: time.Second,
	}
}

func newHarness(t *testing.T, sim *acesim.Unit, cfg Config, sensors sensor.Reader) *Unit {
	t.Helper()
	u := New(cfg, sensors, nil, nil)
	tr := transport.New(transport.Config{
		Unit:           cfg.Index,
		StatusInterval: -1,
		Health:         health.NewMonitor(health.Config{}).Unit(cfg.Index),
	}, transport.DialFunc(sim.Dial), u)
	u.Attach(tr)
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	require.Eventually(t, tr.Connected, time.Second, 5*time.Millisecond)
	return u
}

func TestStatusFillsPlaceholders(t *testing.T) {
	sim := acesim.New(0)
	sim.SetSlot(0, acesim.Slot{Status: protocol.SlotReady})
	u := newHarness(t, sim, testConfig(), nil)

	_, err := u.QueryStatus(context.Background())
	require.NoError(t, err)

	s := u.Slot(0)
	assert.Equal(t, SlotReady, s.Status)
	assert.Equal(t, UnknownMaterial, s.Material)
	assert.Equal(t, DefaultTemp, s.Temp)
	assert.Equal(t, White, s.Color)
	assert.True(t, s.IsUnknown())
	assert.Equal(t, SlotEmpty, u.Slot(1).Status)
}

func TestRFIDTemperaturePolicy(t *testing.T) {
	tests := []struct {
		mode TempMode
		want int
	}{
		{TempAverage, 205},
		{TempMin, 190},
		{TempMax, 220},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			sim := acesim.New(0)
			sim.LoadSpool(1, "PLA", [3]int{255, 0, 0}, 190, 220)
			cfg := testConfig()
			cfg.RFIDTempMode = tt.mode
			u := newHarness(t, sim, cfg, nil)

			_, err := u.QueryStatus(context.Background())
			require.NoError(t, err)
			require.Eventually(t, func() bool { return u.Slot(1).Info != nil }, time.Second, 5*time.Millisecond)

			s := u.Slot(1)
			assert.Equal(t, tt.want, s.Temp)
			assert.Equal(t, "PLA", s.Material)
			assert.Equal(t, [3]uint8{255, 0, 0}, s.Color)
			assert.True(t, s.RFID)
			assert.Equal(t, 190, s.Info.TempMin)
			assert.Equal(t, 1, sim.Count(protocol.MethodGetFilamentInfo))
		})
	}
}

func TestMaterialTableFallback(t *testing.T) {
	sim := acesim.New(0)
	sim.SetSlot(2, acesim.Slot{Status: protocol.SlotReady, Type: "PETG", Color: [3]int{0, 0, 255}})
	u := newHarness(t, sim, testConfig(), nil)

	_, err := u.QueryStatus(context.Background())
	require.NoError(t, err)

	s := u.Slot(2)
	assert.Equal(t, "PETG", s.Material)
	assert.Equal(t, 235, s.Temp)
	assert.False(t, s.RFID)
	assert.Equal(t, 0, sim.Count(protocol.MethodGetFilamentInfo))
}

func TestEmptyingSlotClearsRFID(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(1, "ABS", [3]int{0, 0, 0}, 230, 250)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()

	_, err := u.QueryStatus(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return u.Slot(1).Info != nil }, time.Second, 5*time.Millisecond)

	sim.Empty(1)
	_, err = u.QueryStatus(ctx)
	require.NoError(t, err)

	s := u.Slot(1)
	assert.Equal(t, SlotEmpty, s.Status)
	assert.Nil(t, s.Info)
	assert.False(t, s.RFID)
	assert.Empty(t, s.Material)
}

func TestFeedRetriesRejections(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", [3]int{1, 2, 3}, 200, 210)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()
	_, err := u.QueryStatus(ctx)
	require.NoError(t, err)

	sim.RejectNext(protocol.MethodFeedFilament, 2)
	require.NoError(t, u.Feed(ctx, 0, 100, 0))
	assert.Equal(t, 3, sim.Count(protocol.MethodFeedFilament))

	moves := sim.Moves()
	require.Len(t, moves, 1)
	assert.Equal(t, DefaultFeedSpeed, moves[0].Speed)
}

func TestFeedGivesUpAfterRetries(t *testing.T) {
	sim := acesim.New(0)
	sim.LoadSpool(0, "PLA", [3]int{1, 2, 3}, 200, 210)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()
	_, err := u.QueryStatus(ctx)
	require.NoError(t, err)

	sim.RejectNext(protocol.MethodFeedFilament, 10)
	err = u.Feed(ctx, 0, 100, 60)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrRejected))
	assert.Equal(t, DefaultCommandRetries, sim.Count(protocol.MethodFeedFilament))
}

func TestFeedFromEmptySlot(t *testing.T) {
	sim := acesim.New(0)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()
	_, err := u.QueryStatus(ctx)
	require.NoError(t, err)

	err = u.Feed(ctx, 3, 100, 60)
	assert.True(t, stderrors.Is(err, ErrSlotEmpty))
	assert.True(t, errors.IsOperatorActionable(err))
	assert.Zero(t, sim.Count(protocol.MethodFeedFilament))

	err = u.Feed(ctx, 4, 100, 60)
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))
}

func TestFeedWaitsUntilReady(t *testing.T) {
	sim := acesim.New(0)
	sim.TimeScale = 0.05
	sim.LoadSpool(0, "PLA", [3]int{1, 2, 3}, 200, 210)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()
	_, err := u.QueryStatus(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, u.Feed(ctx, 0, 100, 50))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	st, _ := u.LastStatus()
	assert.Equal(t, protocol.StatusReady, st.Status)
	assert.GreaterOrEqual(t, sim.Count(protocol.MethodGetStatus), 3)
}

func TestWaitReadyTimesOut(t *testing.T) {
	sim := acesim.New(0)
	sim.TimeScale = 10
	cfg := testConfig()
	cfg.ReadyTimeout = 100 * time.Millisecond
	u := newHarness(t, sim, cfg, nil)
	ctx := context.Background()

	err := u.Retract(ctx, 1, 100, 50)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrNotReady))
}

func TestFeedAssist(t *testing.T) {
	sim := acesim.New(0)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, u.EnableFeedAssist(ctx, 2))
	assert.Equal(t, 2, u.FeedAssist())
	assert.Equal(t, 2, sim.FeedAssist())

	require.NoError(t, u.DisableFeedAssist(ctx))
	assert.Equal(t, -1, u.FeedAssist())
	assert.Equal(t, -1, sim.FeedAssist())

	require.NoError(t, u.DisableFeedAssist(ctx))
	assert.Equal(t, 1, sim.Count(protocol.MethodStopFeedAssist))
}

func TestSmartUnloadSlot(t *testing.T) {
	tests := []struct {
		name       string
		clearAfter int // unwinds before the toolhead clears; 0 never
		wantErr    bool
		wantMoves  int
	}{
		{"clears after fixed retract", 1, false, 1},
		{"clears during slow steps", 4, false, 4},
		{"stays blocked", 0, true, 1 + DefaultSlowRetractSteps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := acesim.New(0)
			sensors := sensor.NewStatic(sensor.Toolhead)
			sensors.Set(sensor.Toolhead, true)
			var mu sync.Mutex
			unwinds := 0
			sim.OnMove(func(m acesim.Move) {
				mu.Lock()
				defer mu.Unlock()
				unwinds++
				if unwinds == tt.clearAfter {
					sensors.Set(sensor.Toolhead, false)
				}
			})
			u := newHarness(t, sim, testConfig(), sensors)

			err := u.SmartUnloadSlot(context.Background(), 1)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, stderrors.Is(err, ErrPathBlocked))
			} else {
				require.NoError(t, err)
			}
			moves := sim.Moves()
			require.Len(t, moves, tt.wantMoves)
			assert.Equal(t, DefaultParkToUnit, moves[0].Length)
			for _, m := range moves[1:] {
				assert.Equal(t, DefaultSlowRetractStep, m.Length)
				assert.Equal(t, DefaultSlowRetractSpeed, m.Speed)
			}
		})
	}
}

func TestSmartUnloadWatchesReturnModule(t *testing.T) {
	sim := acesim.New(0)
	sensors := sensor.NewStatic(sensor.Toolhead, sensor.ReturnModule)
	sensors.Set(sensor.ReturnModule, true)
	cfg := testConfig()
	cfg.ReturnModuleSensor = true
	u := newHarness(t, sim, cfg, sensors)

	err := u.SmartUnloadSlot(context.Background(), 0)
	require.Error(t, err)
	var he *errors.HostError
	require.True(t, stderrors.As(err, &he))
	assert.Equal(t, "return_module", he.Context["sensor"])

	cfg.ReturnModuleSensor = false
	u2 := newHarness(t, acesim.New(0), cfg, sensors)
	assert.NoError(t, u2.SmartUnloadSlot(context.Background(), 0))
}

func TestDrying(t *testing.T) {
	sim := acesim.New(0)
	u := newHarness(t, sim, testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, u.StartDrying(ctx, 45, 120))
	assert.Equal(t, "drying", sim.Dryer().Status)
	assert.Equal(t, 45, sim.Dryer().TargetTemp)
	assert.True(t, u.Dryer().Active())

	err := u.StartDrying(ctx, 80, 60)
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))
	err = u.StartDrying(ctx, 40, 0)
	assert.True(t, errors.Is(err, errors.ErrCommandInvalidParam))

	require.NoError(t, u.StopDrying(ctx))
	assert.Equal(t, "stop", sim.Dryer().Status)
	assert.False(t, u.Dryer().Active())
}

func TestRefreshReadsInfo(t *testing.T) {
	sim := acesim.New(1)
	cfg := testConfig()
	cfg.Index = 1
	u := newHarness(t, sim, cfg, nil)

	require.NoError(t, u.Refresh(context.Background()))
	assert.Equal(t, "Anycubic Color Engine Pro", u.Info().Model)
	assert.Equal(t, 4, u.ToolOffset())
	snap := u.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, protocol.StatusReady, snap.Status)
}

func TestSetSlotNotifies(t *testing.T) {
	u := New(testConfig(), nil, nil, nil)
	var got [SlotsPerUnit]Slot
	calls := 0
	u.OnChange(func(index int, slots [SlotsPerUnit]Slot) {
		calls++
		got = slots
	})

	var slots [SlotsPerUnit]Slot
	slots[1] = Slot{Status: SlotReady}
	u.Restore(slots)

	require.NoError(t, u.SetSlot(1, "PETG", &[3]uint8{0, 0, 255}, 0))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "PETG", got[1].Material)
	assert.Equal(t, 235, got[1].Temp)
	assert.Equal(t, "#0000FF", got[1].ColorHex())

	require.NoError(t, u.SetSlot(1, "PLA", nil, 215))
	assert.Equal(t, 215, u.Slot(1).Temp)
	assert.Equal(t, "#0000FF", u.Slot(1).ColorHex(), "color kept when not given")

	err := u.SetSlot(2, "PLA", nil, 0)
	assert.True(t, errors.Is(err, errors.ErrOperatorSlotEmpty))
	assert.Equal(t, SlotEmpty, u.Slot(2).Status)
	assert.Equal(t, 2, calls)

	assert.Error(t, u.SetSlot(7, "PLA", &White, 0))
}

func TestDeliverDispatchesByKind(t *testing.T) {
	u := New(testConfig(), nil, nil, nil)
	result := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	u.Deliver(transport.KindInfo, protocol.GetInfo(), &protocol.Response{
		Result: result(protocol.Info{Model: "ACE", Firmware: "1.0"}),
	})
	assert.Equal(t, "ACE", u.Info().Model)

	u.Deliver(transport.KindCommand, protocol.StartFeedAssist(3), &protocol.Response{Msg: "success"})
	assert.Equal(t, 3, u.FeedAssist())

	u.Deliver(transport.KindCommand, protocol.StopFeedAssist(3), &protocol.Response{Msg: protocol.MsgForbidden})
	assert.Equal(t, 3, u.FeedAssist(), "rejected responses change nothing")

	u.Deliver(transport.KindStatus, protocol.GetStatus(), &protocol.Response{
		Result: result(protocol.Status{Status: protocol.StatusBusy, Slots: []protocol.SlotStatus{
			{Index: 0, Status: protocol.SlotReady, Type: "ASA"},
		}}),
	})
	st, at := u.LastStatus()
	assert.Equal(t, protocol.StatusBusy, st.Status)
	assert.False(t, at.IsZero())
	assert.Equal(t, "ASA", u.Slot(0).Material)
	assert.Equal(t, 245, u.Slot(0).Temp)

	u.Deliver(transport.KindFilamentInfo, protocol.GetFilamentInfo(0), &protocol.Response{
		Result: result(protocol.FilamentInfo{Type: "ASA", ExtruderTemp: protocol.TempRange{Min: 240, Max: 260}}),
	})
	assert.Equal(t, 250, u.Slot(0).Temp)
	assert.True(t, u.Slot(0).RFID)

	u.Deliver(transport.KindFilamentInfo, protocol.GetFilamentInfo(2), &protocol.Response{
		Result: result(protocol.FilamentInfo{Type: "PLA"}),
	})
	assert.Equal(t, SlotEmpty, u.Slot(2).Status, "tag data for an empty slot is ignored")
}

func TestRestore(t *testing.T) {
	u := New(testConfig(), nil, nil, nil)
	var slots [SlotsPerUnit]Slot
	slots[0] = Slot{Status: SlotSearching, Material: "PLA", Temp: 200}
	slots[1] = Slot{Status: SlotReady}
	slots[2] = Slot{Status: SlotEmpty}
	slots[3] = Slot{Status: SlotEmpty}
	u.Restore(slots)

	got := u.Slots()
	assert.Equal(t, SlotReady, got[0].Status)
	assert.Equal(t, UnknownMaterial, got[1].Material)
	assert.Equal(t, DefaultTemp, got[1].Temp)
	assert.Equal(t, 3, got[3].Index)
}

func TestTempMode(t *testing.T) {
	tests := []struct {
		in   string
		want TempMode
		err  bool
	}{
		{"average", TempAverage, false},
		{" MIN ", TempMin, false},
		{"max", TempMax, false},
		{"", TempAverage, false},
		{"median", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTempMode(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	assert.Equal(t, 0, TempAverage.Reduce(protocol.TempRange{}))
	assert.Equal(t, 210, TempMin.Reduce(protocol.TempRange{Max: 210}))
	assert.Equal(t, 230, TempMax.Reduce(protocol.TempRange{Min: 230, Max: 200}))
	assert.Equal(t, 200, MaterialTemp("pla"))
	assert.Equal(t, DefaultTemp, MaterialTemp("unobtainium"))
}
