// Package race implements the race sequence manager: a wall-clock-driven
// state machine that walks a scheduled race through staging, racing,
// optional overtime and stop, emitting an event at every transition.
package race

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fpv-tools/racetimer/clock"
	"github.com/fpv-tools/racetimer/events"
)

// ---- errors ----

var (
	// ErrInvalidState reports an operation that is not legal in the
	// manager's current status, e.g. scheduling while not READY.
	ErrInvalidState = errors.New("invalid race state")
	// ErrInvalidArgument reports a malformed schedule or a start time that
	// is not in the future.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ---- status ----

// Status is the race sequence state. The zero value is StatusReady.
type Status int

const (
	StatusReady Status = iota
	StatusScheduled
	StatusStaging
	StatusRacing
	StatusOvertime
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusScheduled:
		return "scheduled"
	case StatusStaging:
		return "staging"
	case StatusRacing:
		return "racing"
	case StatusOvertime:
		return "overtime"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ---- schedule ----

// Schedule holds the timing profile for a single race.
type Schedule struct {
	// StageTimeSec is the staging interval before the start tone.
	StageTimeSec int `json:"stage_time_sec"`
	// RandomStageDelayMS is the maximum extra staging delay, drawn
	// uniformly per race, in milliseconds.
	RandomStageDelayMS int `json:"random_stage_delay_ms"`
	// RaceTimeSec is the race clock duration.
	RaceTimeSec int `json:"race_time_sec"`
	// OvertimeSec is the post-race interval; zero stops immediately after
	// the finish tone.
	OvertimeSec int `json:"overtime_sec"`
	// Unlimited disables automatic termination: the finish tone still
	// fires at RaceTimeSec but only an operator stop ends the race.
	Unlimited bool `json:"unlimited"`
}

// Validate rejects negative durations.
func (s Schedule) Validate() error {
	if s.StageTimeSec < 0 || s.RandomStageDelayMS < 0 || s.RaceTimeSec < 0 || s.OvertimeSec < 0 {
		return fmt.Errorf("%w: negative duration in schedule", ErrInvalidArgument)
	}
	return nil
}

// EventData is the payload attached to every race sequence event.
type EventData struct {
	PreviousStatus Status        `json:"previous_status"`
	NewStatus      Status        `json:"new_status"`
	Schedule       *Schedule     `json:"schedule"`
	Timestamp      time.Duration `json:"timestamp"`
}

// ---- manager ----

// Manager conducts a single race. One mutex guards status, schedule and
// the program handle; timer callbacks take it before touching state. At
// most one scheduled transition is live at any moment.
type Manager struct {
	mu       sync.Mutex
	status   Status
	schedule *Schedule
	handle   *clock.Timer
	gen      uint64 // bumped on stop/reschedule; stale callbacks check it

	clk *clock.Service
	bus *events.Bus
	log zerolog.Logger

	// randFloat is swapped in tests to pin the staging delay.
	randFloat func() float64
}

// NewManager creates a Manager in StatusReady.
func NewManager(clk *clock.Service, bus *events.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		clk:       clk,
		bus:       bus,
		log:       log,
		randFloat: rand.Float64,
	}
}

// Status returns the current race status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Schedule returns the schedule of the current or last race, or nil.
func (m *Manager) Schedule() *Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedule
}

// HandlePending reports whether a scheduled transition is live.
func (m *Manager) HandlePending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil
}

// Reset returns a stopped manager to StatusReady so another race can be
// scheduled. No-op unless the status is STOPPED.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusStopped {
		m.status = StatusReady
		m.schedule = nil
	}
}

// ScheduleRace arms the race sequence. The manager must be READY and
// assignedStart must be a future monotonic instant.
func (m *Manager) ScheduleRace(schedule Schedule, assignedStart time.Duration) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusReady {
		return fmt.Errorf("%w: cannot schedule race while %s", ErrInvalidState, m.status)
	}
	if m.handle != nil {
		return fmt.Errorf("%w: a transition is already scheduled", ErrInvalidState)
	}
	if assignedStart <= m.clk.Now() {
		return fmt.Errorf("%w: assigned start is not in the future", ErrInvalidArgument)
	}

	sched := schedule
	m.schedule = &sched
	m.status = StatusScheduled

	stageDelay := time.Duration(sched.StageTimeSec)*time.Second +
		time.Duration(float64(sched.RandomStageDelayMS)*m.randFloat())*time.Millisecond

	gen := m.nextGen()
	m.installTimer(assignedStart, gen, func() {
		m.stage(gen, assignedStart+stageDelay)
	})

	m.log.Info().
		Str("status", m.status.String()).
		Dur("assigned_start", assignedStart).
		Msg("race scheduled")
	return nil
}

// StopRace cancels the race. Before the start it silently returns the
// manager to READY; once racing it transitions to STOPPED and emits a stop
// event. Safe to call repeatedly; the program handle is always nil after
// it returns.
func (m *Manager) StopRace() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Invalidate any callback that already started and is waiting on the
	// lock; cancel the pending timer if it has not fired yet.
	m.nextGen()
	if m.handle != nil {
		if !m.handle.Cancel() {
			m.log.Debug().Msg("late cancel; stale transition neutralized")
		}
		m.handle = nil
	}

	switch m.status {
	case StatusScheduled, StatusStaging:
		// The race never really started; no race-sequence events.
		m.status = StatusReady
		m.log.Info().Msg("race cancelled before start")
	case StatusRacing, StatusOvertime:
		prev := m.status
		m.status = StatusStopped
		m.publishLocked(events.RaceStop, prev)
		m.log.Info().Str("previous", prev.String()).Msg("race stopped")
	default:
		// READY or STOPPED: no-op.
	}
}

// ---- transition callbacks ----
//
// Each callback runs on a timer goroutine, takes the manager lock, verifies
// its generation is still current, performs the transition, publishes the
// event, and installs the next timer. Publishing while holding the lock is
// safe: an INSTANT publish returns once handlers have begun executing, not
// once they complete, so handlers may call back into the manager.

func (m *Manager) stage(gen uint64, startAt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusScheduled {
		return
	}

	prev := m.status
	m.status = StatusStaging
	m.publishLocked(events.RaceStage, prev)

	next := m.nextGen()
	m.installTimer(startAt, next, func() { m.start(next) })
}

func (m *Manager) start(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusStaging {
		return
	}

	prev := m.status
	m.status = StatusRacing
	m.publishLocked(events.RaceStart, prev)

	raceEnd := m.clk.Now() + time.Duration(m.schedule.RaceTimeSec)*time.Second
	next := m.nextGen()
	m.installTimer(raceEnd, next, func() { m.finish(next) })
}

func (m *Manager) finish(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusRacing {
		return
	}

	m.handle = nil
	sched := m.schedule

	switch {
	case sched.Unlimited:
		// Finish tone only; the race runs until an operator stop.
		m.publishLocked(events.RaceFinish, StatusRacing)

	case sched.OvertimeSec > 0:
		m.status = StatusOvertime
		m.publishLocked(events.RaceFinish, StatusRacing)

		overtimeEnd := m.clk.Now() + time.Duration(sched.OvertimeSec)*time.Second
		next := m.nextGen()
		m.installTimer(overtimeEnd, next, func() { m.overtimeStop(next) })

	default:
		m.status = StatusStopped
		m.publishLocked(events.RaceFinish, StatusRacing)
		m.publishLocked(events.RaceStop, StatusRacing)
	}
}

func (m *Manager) overtimeStop(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.status != StatusOvertime {
		return
	}

	m.handle = nil
	m.status = StatusStopped
	m.publishLocked(events.RaceStop, StatusOvertime)
}

// ---- helpers (mu held) ----

func (m *Manager) nextGen() uint64 {
	m.gen++
	return m.gen
}

// installTimer schedules fn and records it as the live program handle. The
// wrapper clears the handle before fn runs so the "at most one live
// transition" invariant holds from the callback's point of view.
func (m *Manager) installTimer(at time.Duration, gen uint64, fn func()) {
	m.handle = m.clk.Schedule(at, func() {
		m.clearHandle(gen)
		fn()
	})
}

func (m *Manager) clearHandle(gen uint64) {
	m.mu.Lock()
	if gen == m.gen {
		m.handle = nil
	}
	m.mu.Unlock()
}

func (m *Manager) publishLocked(desc *events.Descriptor, prev Status) {
	m.bus.Publish(desc, EventData{
		PreviousStatus: prev,
		NewStatus:      m.status,
		Schedule:       m.schedule,
		Timestamp:      m.clk.Now(),
	})
	m.log.Debug().
		Str("event", desc.ID).
		Str("status", m.status.String()).
		Msg("race transition")
}
