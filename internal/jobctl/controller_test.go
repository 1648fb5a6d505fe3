package jobctl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/istvanzk/rpicampy-sub000/internal/cron"
	"github.com/istvanzk/rpicampy-sub000/internal/events"
)

func assertEncoded(t *testing.T, c *Controller) {
	t.Helper()
	errValue, cmdValue := c.Values()
	assert.Equal(t, errValue+8*cmdValue, c.StateValue())
}

func TestNewController_RunsInit(t *testing.T) {
	f := newFixture(Options{})

	assert.Equal(t, StateInit, f.ctl.State())
	inits, _ := f.hooks.counts()
	assert.Equal(t, 1, inits)
	assert.NotNil(t, f.hooks.status, "status log handed to hooks")

	e, ok := f.sched.entry("cam_Cmd")
	require.True(t, ok)
	assert.Equal(t, cron.KindControl, e.kind)
	assert.Equal(t, DefaultCmdInterval, e.window.Interval)

	assert.Equal(t, 16, f.ctl.StateValue())
	assert.Equal(t, 16, f.events.StateValue("cam"))
}

func TestController_Transitions(t *testing.T) {
	f := newFixture(Options{})
	c := f.ctl

	_, err := c.Run(nil)
	assert.ErrorIs(t, err, ErrNoSchedule)

	steps := []struct {
		name    string
		do      func() (bool, error)
		changed bool
		state   State
	}{
		{"run with window", func() (bool, error) { return c.Run(f.window()) }, true, StateRunning},
		{"run again without window", func() (bool, error) { return c.Run(nil) }, false, StateRunning},
		{"pause", c.Pause, true, StatePaused},
		{"pause again", c.Pause, false, StatePaused},
		{"resume", func() (bool, error) { return c.Run(nil) }, true, StateRunning},
		{"reschedule", func() (bool, error) { return c.Reschedule(nil) }, true, StateRescheduled},
		{"reschedule again", func() (bool, error) { return c.Reschedule(nil) }, false, StateRescheduled},
		{"stop", c.Stop, true, StateStopped},
		{"stop again", c.Stop, false, StateStopped},
		{"run after stop uses stored window", func() (bool, error) { return c.Run(nil) }, true, StateRunning},
		{"init", c.Init, true, StateInit},
		{"init again", c.Init, false, StateInit},
	}
	for _, st := range steps {
		changed, err := st.do()
		require.NoError(t, err, st.name)
		assert.Equal(t, st.changed, changed, st.name)
		assert.Equal(t, st.state, c.State(), st.name)
		assertEncoded(t, c)
	}

	assert.False(t, f.sched.Has("cam"), "init cancels the schedule")
	assert.True(t, f.sched.Has("cam_Cmd"))
}

func TestController_PauseSuspendsEntry(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	_, err = f.ctl.Pause()
	require.NoError(t, err)
	e, _ := f.sched.entry("cam")
	assert.True(t, e.paused)

	require.NoError(t, f.ctl.Tick())
	_, works := f.hooks.counts()
	assert.Equal(t, 0, works, "paused job does no work")
}

func TestController_RescheduleAfterPauseTicks(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)
	_, err = f.ctl.Pause()
	require.NoError(t, err)

	changed, err := f.ctl.Reschedule(nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateRescheduled, f.ctl.State())

	e, ok := f.sched.entry("cam")
	require.True(t, ok)
	assert.False(t, e.paused, "rescheduled entry is live again")

	require.NoError(t, f.ctl.Tick())
	_, works := f.hooks.counts()
	assert.Equal(t, 1, works)
}

func TestController_TransitionsBlockedBySignals(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	f.events.SetDayEnd()
	changed, err := f.ctl.Pause()
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.ctl.Stop()
	require.NoError(t, err)
	assert.True(t, changed, "stop is always honored")
	f.events.ClearDayEnd()
}

func TestController_TickRunsWork(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	require.NoError(t, f.ctl.Tick())
	require.NoError(t, f.ctl.Tick())

	_, works := f.hooks.counts()
	assert.Equal(t, 2, works)
	assert.Equal(t, StateRunning, f.ctl.State())
	assert.Equal(t, 24, f.ctl.StateValue())
}

func TestController_GracePeriodScenario(t *testing.T) {
	f := newFixture(Options{ErrorGrace: 30 * time.Second})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	f.hooks.setWorkErr(Errorf(SeverityLev1, "capture failed"))
	require.NoError(t, f.ctl.Tick())
	assert.True(t, f.events.IsErrorSet("cam"))
	errValue, _ := f.ctl.Values()
	assert.Equal(t, int(SeverityLev1), errValue)
	assertEncoded(t, f.ctl)

	st, ok := f.ctl.Status().Pop()
	require.True(t, ok)
	assert.Equal(t, "cam: work SetError lev1", st.Message)
	assert.Equal(t, int64(-2), st.Value)

	f.hooks.setWorkErr(nil)
	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.ctl.Tick())
	inits, works := f.hooks.counts()
	assert.Equal(t, 1, works, "suppressed tick does no work")
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, f.ctl.ErrorRunCount())

	f.clock.Advance(21 * time.Second)
	require.NoError(t, f.ctl.Tick())
	inits, works = f.hooks.counts()
	assert.Equal(t, 2, inits, "grace elapsed, init instead of work")
	assert.Equal(t, 1, works)
	assert.False(t, f.events.IsErrorSet("cam"))
	assert.Equal(t, StateRunning, f.ctl.State())
	assert.True(t, f.sched.Has("cam"), "self-healing keeps the schedule")
	assertEncoded(t, f.ctl)

	require.NoError(t, f.ctl.Tick())
	_, works = f.hooks.counts()
	assert.Equal(t, 2, works)
}

func TestController_CriticalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"tagged crit", Errorf(SeverityCrit, "camera unplugged")},
		{"untagged error", errors.New("unexpected")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(Options{})
			_, err := f.ctl.Run(f.window())
			require.NoError(t, err)

			f.hooks.setWorkErr(tt.err)
			err = f.ctl.Tick()
			require.Error(t, err)
			assert.Equal(t, SeverityCrit, SeverityOf(err))

			assert.True(t, f.events.IsEnd())
			assert.Equal(t, []string{"cam"}, f.fatals)
			assert.Equal(t, StateStopped, f.ctl.State())
			assert.False(t, f.sched.Has("cam"))
			assert.False(t, f.sched.Has("cam_Cmd"))
			assertEncoded(t, f.ctl)
		})
	}
}

func TestController_HookPanicIsCritical(t *testing.T) {
	hooks := &panicHooks{}
	sched := newFakeScheduler()
	ev := events.New("cam")
	var fatal error
	ctl, err := NewController("cam", hooks, sched, ev, testLogger(), Options{
		Fatal: func(_ string, err error) { fatal = err },
	})
	require.NoError(t, err)

	w := cron.Every(time.Minute)
	_, err = ctl.Run(&w)
	require.NoError(t, err)

	require.Error(t, ctl.Tick())
	require.Error(t, fatal)
	assert.Contains(t, fatal.Error(), "sensor gone")
	assert.True(t, ev.IsEnd())
}

func TestController_InitFailure(t *testing.T) {
	hooks := &fakeHooks{initErr: Errorf(SeverityCrit, "image dir missing")}
	_, err := NewController("cam", hooks, newFakeScheduler(), events.New("cam"), testLogger(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image dir missing")

	hooks = &fakeHooks{initErr: Errorf(SeverityLev2, "log unreadable")}
	ev := events.New("cam")
	ctl, err := NewController("cam", hooks, newFakeScheduler(), ev, testLogger(), Options{})
	require.NoError(t, err)
	assert.True(t, ev.IsErrorSet("cam"))
	assert.Equal(t, EncodeState(int(SeverityLev2), int(CmdInit)), ctl.StateValue())
}

func TestController_QueueOverflow(t *testing.T) {
	f := newFixture(Options{QueueTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	for i := 0; i < CommandQueueSize; i++ {
		require.NoError(t, f.ctl.EnqueueCommand(ctx, Command{Name: "cam", Value: CmdRun}), "enqueue %d", i)
	}
	assert.Equal(t, CommandQueueSize, f.ctl.QueueLen())

	err := f.ctl.EnqueueCommand(ctx, Command{Name: "cam", Value: CmdRun})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.True(t, f.events.IsErrorSet("cam"))
	assert.Equal(t, int(SeverityLev0), f.events.ErrorLevel("cam"))
	assertEncoded(t, f.ctl)
}

func TestController_ProcessCommands(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	require.NoError(t, f.ctl.ProcessCommands(), "empty queue is a no-op")

	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	require.NoError(t, f.ctl.EnqueueCommand(ctx, Command{Name: "cam", Value: CmdPause}))
	require.NoError(t, f.ctl.EnqueueCommand(ctx, Command{Name: "cam", Value: CmdRun}))

	require.NoError(t, f.ctl.ProcessCommands())
	assert.Equal(t, StatePaused, f.ctl.State())
	assert.Equal(t, 1, f.ctl.QueueLen(), "one command per tick")

	st, ok := f.ctl.Status().Pop()
	require.True(t, ok)
	assert.Equal(t, "cam pause", st.Message)
	assert.Equal(t, int64(EncodeState(0, int(CmdPause))), st.Value)

	require.NoError(t, f.ctl.ProcessCommands())
	assert.Equal(t, StateRunning, f.ctl.State())

	require.NoError(t, f.ctl.EnqueueCommand(ctx, Command{Name: "cam", Value: CmdStop}))
	require.NoError(t, f.ctl.ProcessCommands())
	assert.Equal(t, StateStopped, f.ctl.State())
	assert.False(t, f.sched.Has("cam"))
}

func TestController_CommandOnMissingScheduleIsRecoverable(t *testing.T) {
	f := newFixture(Options{})
	require.NoError(t, f.ctl.EnqueueCommand(context.Background(), Command{Name: "cam", Value: CmdRun}))

	require.NoError(t, f.ctl.ProcessCommands())
	assert.True(t, f.events.IsErrorSet("cam"))
	assert.Equal(t, int(SeverityLev0), f.events.ErrorLevel("cam"))
	assert.False(t, f.events.IsEnd())
	assert.Empty(t, f.fatals)
}

func TestController_StopsWhenScheduleDisappears(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	f.sched.drop("cam")
	require.NoError(t, f.ctl.ProcessCommands())
	assert.Equal(t, StateStopped, f.ctl.State())
}

func TestController_EndOfDay(t *testing.T) {
	f := newFixture(Options{})
	var raised bool
	f.hooks.onDayEnd = func() { raised = f.events.IsDayEnd() }

	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	require.NoError(t, f.ctl.EndOfDay())
	assert.Equal(t, 0, f.hooks.dayEnds, "skipped while running")

	_, err = f.ctl.Stop()
	require.NoError(t, err)
	require.NoError(t, f.ctl.EndOfDay())
	assert.Equal(t, 1, f.hooks.dayEnds)
	assert.True(t, raised, "signal raised during the hook")
	assert.False(t, f.events.IsDayEnd(), "signal cleared after the hook")

	require.NoError(t, f.ctl.EndOfDay())
	assert.Equal(t, 1, f.hooks.dayEnds, "once per period")

	_, err = f.ctl.Run(f.window())
	require.NoError(t, err)
	_, err = f.ctl.Stop()
	require.NoError(t, err)
	require.NoError(t, f.ctl.EndOfDay())
	assert.Equal(t, 2, f.hooks.dayEnds)
}

func TestController_EndOfRunSkippedOnError(t *testing.T) {
	f := newFixture(Options{})
	f.events.SetError("cam", int(SeverityLev1))

	require.NoError(t, f.ctl.EndOfRun())
	assert.Equal(t, 0, f.hooks.runEnds)

	f.events.ClearError("cam")
	require.NoError(t, f.ctl.EndOfRun())
	assert.Equal(t, 1, f.hooks.runEnds)
	assert.False(t, f.events.IsEnd())
}

func TestController_TickHonorsEndSignal(t *testing.T) {
	f := newFixture(Options{})
	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)

	f.events.SetEnd()
	require.NoError(t, f.ctl.Tick())
	_, works := f.hooks.counts()
	assert.Equal(t, 0, works)
}

func TestController_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(Options{Metrics: NewMetrics("rpicampy", reg)})
	m := f.ctl.metrics

	_, err := f.ctl.Run(f.window())
	require.NoError(t, err)
	require.NoError(t, f.ctl.Tick())
	assert.Equal(t, 24.0, testutil.ToFloat64(m.stateValue.WithLabelValues("cam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("cam", "ok")))

	f.hooks.setWorkErr(Errorf(SeverityLev2, "disk"))
	require.NoError(t, f.ctl.Tick())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("cam", "lev2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticks.WithLabelValues("cam", "error")))
}

func TestEncodeState(t *testing.T) {
	for _, s := range []State{StateInit, StateRunning, StatePaused, StateStopped, StateRescheduled} {
		for sev := SeverityNone; sev <= SeverityCrit; sev++ {
			t.Run(fmt.Sprintf("%s/%s", s, sev), func(t *testing.T) {
				v := EncodeState(int(sev), s.CmdValue())
				assert.Equal(t, int(sev), v%8)
				assert.Equal(t, s.CmdValue(), v/8)
			})
		}
	}
}
