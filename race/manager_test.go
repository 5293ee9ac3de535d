package race

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpv-tools/racetimer/clock"
	"github.com/fpv-tools/racetimer/events"
	"github.com/fpv-tools/racetimer/store"
)

// raceEvents records every race-sequence event the bus delivers.
type raceEvents struct {
	mu   sync.Mutex
	got  []string
	data []EventData
}

func (r *raceEvents) handle(msg events.Message) error {
	r.mu.Lock()
	r.got = append(r.got, msg.Descriptor.ID)
	r.data = append(r.data, msg.Data.(EventData))
	r.mu.Unlock()
	return nil
}

func (r *raceEvents) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *raceEvents) payloads() []EventData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventData(nil), r.data...)
}

func newTestManager(t *testing.T) (*Manager, *clock.Service, *raceEvents) {
	t.Helper()
	clk := clock.NewService()
	bus := events.NewBus(zerolog.Nop())
	t.Cleanup(bus.Close)

	rec := &raceEvents{}
	sub := bus.Subscribe(map[store.Permission]bool{store.PermRaceEvents: true}, rec.handle)
	t.Cleanup(func() { bus.Unsubscribe(sub) })

	m := NewManager(clk, bus, zerolog.Nop())
	m.randFloat = func() float64 { return 0 }
	return m, clk, rec
}

func soon(clk *clock.Service) time.Duration {
	return clk.Now() + 200*time.Millisecond
}

func TestManagerStartsReady(t *testing.T) {
	m, _, _ := newTestManager(t)
	assert.Equal(t, StatusReady, m.Status())
	assert.Nil(t, m.Schedule())
	assert.False(t, m.HandlePending())
}

func TestScheduleValidation(t *testing.T) {
	tests := []struct {
		name  string
		sched Schedule
	}{
		{"negative stage", Schedule{StageTimeSec: -1, RaceTimeSec: 10}},
		{"negative race", Schedule{StageTimeSec: 1, RaceTimeSec: -10}},
		{"negative overtime", Schedule{StageTimeSec: 1, RaceTimeSec: 10, OvertimeSec: -5}},
		{"negative random delay", Schedule{StageTimeSec: 1, RandomStageDelayMS: -100, RaceTimeSec: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, clk, _ := newTestManager(t)
			err := m.ScheduleRace(tc.sched, soon(clk))
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Equal(t, StatusReady, m.Status())
		})
	}
}

func TestScheduleRejectsPastStart(t *testing.T) {
	m, clk, _ := newTestManager(t)
	err := m.ScheduleRace(Schedule{StageTimeSec: 1, RaceTimeSec: 10}, clk.Now()-time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, StatusReady, m.Status())
	assert.False(t, m.HandlePending())
}

func TestScheduleRejectedWhileNotReady(t *testing.T) {
	m, clk, _ := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 5, RaceTimeSec: 10}, soon(clk)))

	err := m.ScheduleRace(Schedule{StageTimeSec: 5, RaceTimeSec: 10}, soon(clk))
	assert.ErrorIs(t, err, ErrInvalidState)
	m.StopRace()
}

func TestFullSequenceWithOvertime(t *testing.T) {
	m, clk, rec := newTestManager(t)
	sched := Schedule{StageTimeSec: 1, RaceTimeSec: 1, OvertimeSec: 1}
	start := soon(clk)
	require.NoError(t, m.ScheduleRace(sched, start))

	assert.Equal(t, StatusScheduled, m.Status())
	assert.True(t, m.HandlePending())

	waitStatus(t, m, StatusStaging, 2*time.Second)
	waitStatus(t, m, StatusRacing, 2*time.Second)
	waitStatus(t, m, StatusOvertime, 2*time.Second)
	waitStatus(t, m, StatusStopped, 2*time.Second)
	waitEvents(t, rec, 4, time.Second)

	assert.Equal(t, []string{"race_stage", "race_start", "race_finish", "race_stop"}, rec.ids())
	assert.False(t, m.HandlePending())

	payloads := rec.payloads()
	require.Len(t, payloads, 4)
	assert.Equal(t, StatusScheduled, payloads[0].PreviousStatus)
	assert.Equal(t, StatusStaging, payloads[0].NewStatus)
	assert.Equal(t, StatusRacing, payloads[1].NewStatus)
	assert.Equal(t, StatusRacing, payloads[2].PreviousStatus)
	assert.Equal(t, StatusOvertime, payloads[2].NewStatus)
	assert.Equal(t, StatusOvertime, payloads[3].PreviousStatus)
	assert.Equal(t, StatusStopped, payloads[3].NewStatus)
	for _, p := range payloads {
		require.NotNil(t, p.Schedule)
		assert.Equal(t, sched, *p.Schedule)
	}

	// Timestamps are monotonic offsets taken at each transition.
	for i := 1; i < len(payloads); i++ {
		assert.Greater(t, payloads[i].Timestamp, payloads[i-1].Timestamp)
	}
	assert.GreaterOrEqual(t, payloads[0].Timestamp, start)
}

func TestNoOvertimeStopsAfterFinish(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 1, RaceTimeSec: 1}, soon(clk)))

	waitStatus(t, m, StatusStopped, 5*time.Second)
	waitEvents(t, rec, 4, time.Second)
	assert.Equal(t, []string{"race_stage", "race_start", "race_finish", "race_stop"}, rec.ids())

	payloads := rec.payloads()
	last := payloads[len(payloads)-1]
	assert.Equal(t, StatusRacing, last.PreviousStatus)
	assert.Equal(t, StatusStopped, last.NewStatus)
}

func TestUnlimitedRaceRunsUntilStopped(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(
		Schedule{StageTimeSec: 1, RaceTimeSec: 1, Unlimited: true}, soon(clk)))

	waitStatus(t, m, StatusRacing, 3*time.Second)
	waitEvents(t, rec, 3, 3*time.Second) // stage, start, finish

	// The finish tone fired but the race keeps running with no pending
	// transition until an operator stops it.
	assert.Equal(t, StatusRacing, m.Status())
	assert.False(t, m.HandlePending())

	m.StopRace()
	assert.Equal(t, StatusStopped, m.Status())
	waitEvents(t, rec, 4, time.Second)
	assert.Equal(t, []string{"race_stage", "race_start", "race_finish", "race_stop"}, rec.ids())

	last := rec.payloads()[3]
	assert.Equal(t, StatusRacing, last.PreviousStatus)
	assert.Equal(t, StatusStopped, last.NewStatus)
}

func TestStopWhileScheduledIsSilent(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 5, RaceTimeSec: 10}, clk.Now()+time.Hour))

	m.StopRace()
	assert.Equal(t, StatusReady, m.Status())
	assert.False(t, m.HandlePending())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.ids())
}

func TestStopWhileStagingIsSilent(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 30, RaceTimeSec: 10}, soon(clk)))

	waitStatus(t, m, StatusStaging, 2*time.Second)
	m.StopRace()

	assert.Equal(t, StatusReady, m.Status())
	assert.False(t, m.HandlePending())

	// The staging transition was announced; the cancellation was not.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"race_stage"}, rec.ids())
}

func TestStopWhileRacingEmitsStop(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 1, RaceTimeSec: 60}, soon(clk)))

	waitStatus(t, m, StatusRacing, 3*time.Second)
	m.StopRace()

	assert.Equal(t, StatusStopped, m.Status())
	assert.False(t, m.HandlePending())
	waitEvents(t, rec, 3, time.Second)
	assert.Equal(t, []string{"race_stage", "race_start", "race_stop"}, rec.ids())

	last := rec.payloads()[2]
	assert.Equal(t, StatusRacing, last.PreviousStatus)
	assert.Equal(t, StatusStopped, last.NewStatus)
}

func TestStopWhileOvertimeEmitsStop(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(
		Schedule{StageTimeSec: 1, RaceTimeSec: 1, OvertimeSec: 60}, soon(clk)))

	waitStatus(t, m, StatusOvertime, 5*time.Second)
	m.StopRace()

	assert.Equal(t, StatusStopped, m.Status())
	waitEvents(t, rec, 4, time.Second)
	last := rec.payloads()[len(rec.payloads())-1]
	assert.Equal(t, StatusOvertime, last.PreviousStatus)
	assert.Equal(t, StatusStopped, last.NewStatus)

	// The cancelled overtime timer must never fire a second stop.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"race_stage", "race_start", "race_finish", "race_stop"}, rec.ids())
}

func TestStopIsIdempotent(t *testing.T) {
	m, clk, rec := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 1, RaceTimeSec: 60}, soon(clk)))

	waitStatus(t, m, StatusRacing, 3*time.Second)
	m.StopRace()
	m.StopRace()
	m.StopRace()

	assert.Equal(t, StatusStopped, m.Status())
	waitEvents(t, rec, 3, time.Second)
	assert.Equal(t, []string{"race_stage", "race_start", "race_stop"}, rec.ids())
}

func TestStopWhenReadyIsNoOp(t *testing.T) {
	m, _, rec := newTestManager(t)
	m.StopRace()
	assert.Equal(t, StatusReady, m.Status())
	assert.Empty(t, rec.ids())
}

func TestResetAllowsNextRace(t *testing.T) {
	m, clk, _ := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 1, RaceTimeSec: 60}, soon(clk)))
	waitStatus(t, m, StatusRacing, 3*time.Second)
	m.StopRace()

	m.Reset()
	assert.Equal(t, StatusReady, m.Status())
	assert.Nil(t, m.Schedule())

	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 5, RaceTimeSec: 10}, clk.Now()+time.Hour))
	assert.Equal(t, StatusScheduled, m.Status())
	m.StopRace()
}

func TestResetOnlyAppliesWhenStopped(t *testing.T) {
	m, clk, _ := newTestManager(t)
	require.NoError(t, m.ScheduleRace(Schedule{StageTimeSec: 5, RaceTimeSec: 10}, clk.Now()+time.Hour))

	m.Reset()
	assert.Equal(t, StatusScheduled, m.Status())
	assert.NotNil(t, m.Schedule())
	m.StopRace()
}

func TestRandomStageDelayExtendsStaging(t *testing.T) {
	m, clk, _ := newTestManager(t)
	m.randFloat = func() float64 { return 1 }

	require.NoError(t, m.ScheduleRace(
		Schedule{StageTimeSec: 1, RandomStageDelayMS: 800, RaceTimeSec: 60}, soon(clk)))

	waitStatus(t, m, StatusStaging, 2*time.Second)

	// Start should not fire at the base stage time; the pinned random draw
	// pushes it 800ms further out.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, StatusStaging, m.Status())

	waitStatus(t, m, StatusRacing, 2*time.Second)
	m.StopRace()
}

// ---- helpers ----

func waitStatus(t *testing.T, m *Manager, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status never reached %s (now %s)", want, m.Status())
}

func waitEvents(t *testing.T, rec *raceEvents, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(rec.ids()) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("only %d events arrived, wanted %d", len(rec.ids()), want)
}
