package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soochol/nodeflow/internal/flow"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("time zone %s unavailable: %v", name, err)
	}
	return loc
}

func TestNextRunAt_OneShot(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	next, ok, err := NextRunAt(flow.ScheduleTriggerConfig{Date: "2026-05-10", Time: "13:30"}, now, time.UTC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 10, 13, 30, 0, 0, time.UTC), next)

	_, ok, err = NextRunAt(flow.ScheduleTriggerConfig{Date: "2026-05-10", Time: "11:59"}, now, time.UTC)
	require.NoError(t, err)
	assert.False(t, ok, "a one-shot schedule in the past never fires")

	_, ok, err = NextRunAt(flow.ScheduleTriggerConfig{Date: "2026-05-10", Time: "12:00"}, now, time.UTC)
	require.NoError(t, err)
	assert.False(t, ok, "exactly now is not in the future")
}

func TestNextRunAt_Loop(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cfg  flow.ScheduleTriggerConfig
		want time.Time
	}{
		{"future date used as is", flow.ScheduleTriggerConfig{Date: "2026-06-01", Time: "08:00", Loop: true}, time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
		{"past date, later today", flow.ScheduleTriggerConfig{Date: "2026-01-01", Time: "18:15", Loop: true}, time.Date(2026, 5, 10, 18, 15, 0, 0, time.UTC)},
		{"past date, time passed today", flow.ScheduleTriggerConfig{Date: "2026-01-01", Time: "09:00", Loop: true}, time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC)},
		{"time equal to now rolls over", flow.ScheduleTriggerConfig{Date: "2026-01-01", Time: "12:00", Loop: true}, time.Date(2026, 5, 11, 12, 0, 0, 0, time.UTC)},
		{"no date repeats daily", flow.ScheduleTriggerConfig{Time: "07:45", Loop: true}, time.Date(2026, 5, 11, 7, 45, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok, err := NextRunAt(tt.cfg, now, time.UTC)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, tt.want, next)
			assert.True(t, next.After(now))
		})
	}
}

func TestNextRunAt_LoopAlwaysStrictlyLater(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := flow.ScheduleTriggerConfig{Date: "2025-12-31", Time: "10:30", Loop: true}
	for i := 0; i < 24*60; i += 7 {
		now := base.Add(time.Duration(i) * time.Minute)
		next, ok, err := NextRunAt(cfg, now, time.UTC)
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, next.After(now), "now=%s next=%s", now, next)
		require.True(t, next.Sub(now) <= 24*time.Hour)
	}
}

func TestNextRunAt_UsesFixedZone(t *testing.T) {
	seoul := mustLoad(t, "Asia/Seoul")
	// 23:00 UTC on May 10 is 08:00 on May 11 in Seoul.
	now := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	next, ok, err := NextRunAt(flow.ScheduleTriggerConfig{Time: "09:00", Loop: true}, now, seoul)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 11, 9, 0, 0, 0, seoul), next)
	assert.Equal(t, time.Hour, next.Sub(now))
}

func TestNextRunAt_Malformed(t *testing.T) {
	now := time.Now()
	_, _, err := NextRunAt(flow.ScheduleTriggerConfig{Date: "10/05/2026", Time: "10:00"}, now, time.UTC)
	assert.Error(t, err)
	_, _, err = NextRunAt(flow.ScheduleTriggerConfig{Date: "2026-05-10", Time: "25:00"}, now, time.UTC)
	assert.Error(t, err)
	_, _, err = NextRunAt(flow.ScheduleTriggerConfig{Time: "10:00"}, now, time.UTC)
	assert.Error(t, err, "one-shot without a date")
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	block   chan struct{}
	started chan string
	err     error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), started: make(chan string, 16)}
}

func (r *fakeRunner) RunScheduled(ctx context.Context, id string) error {
	r.mu.Lock()
	r.calls[id]++
	block := r.block
	r.mu.Unlock()
	r.started <- id
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return r.err
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func scheduledWorkflow(id string, cfg map[string]any) *flow.Workflow {
	return &flow.Workflow{ID: id, Active: true, Graph: flow.WorkflowGraph{Nodes: []flow.Node{{
		ID: "t", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerSchedule, Config: cfg,
	}}}}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestScheduler(r Runner, start time.Time) (*Scheduler, *clock) {
	s := New(r, Options{}, nil)
	c := &clock{now: start}
	s.now = c.Now
	return s, c
}

func waitStarted(t *testing.T, r *fakeRunner) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("job did not fire")
		return ""
	}
}

func TestScheduler_OneShotFiresOnceThenIsDiscarded(t *testing.T) {
	r := newFakeRunner()
	start := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(r, start)

	require.NoError(t, s.Upsert(scheduledWorkflow("wf", map[string]any{"date": "2026-05-10", "time": "12:01"})))
	s.Tick()
	assert.Equal(t, 0, r.count("wf"), "not due yet")

	clk.Set(start.Add(2 * time.Minute))
	s.Tick()
	waitStarted(t, r)
	s.wg.Wait()

	assert.Equal(t, 1, r.count("wf"))
	_, ok := s.Job("wf")
	assert.False(t, ok, "one-shot job is discarded after running")
}

func TestScheduler_PastOneShotIsNotScheduled(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner(), time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Upsert(scheduledWorkflow("wf", map[string]any{"date": "2026-05-09", "time": "12:00"})))
	assert.Empty(t, s.Jobs())
}

func TestScheduler_LoopReschedulesAfterRun(t *testing.T) {
	r := newFakeRunner()
	start := time.Date(2026, 5, 10, 8, 59, 0, 0, time.UTC)
	s, clk := newTestScheduler(r, start)

	require.NoError(t, s.Upsert(scheduledWorkflow("wf", map[string]any{"date": "2026-05-10", "time": "09:00", "loop": true})))
	clk.Set(time.Date(2026, 5, 10, 9, 0, 10, 0, time.UTC))
	s.Tick()
	waitStarted(t, r)
	s.wg.Wait()

	job, ok := s.Job("wf")
	require.True(t, ok)
	assert.False(t, job.Running)
	assert.Equal(t, time.Date(2026, 5, 11, 9, 0, 0, 0, time.UTC), job.NextRunAt)
}

func TestScheduler_RunningJobIsNotReentered(t *testing.T) {
	r := newFakeRunner()
	r.block = make(chan struct{})
	start := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(r, start)

	require.NoError(t, s.Upsert(scheduledWorkflow("wf", map[string]any{"date": "2026-05-10", "time": "08:01", "loop": true})))
	clk.Set(start.Add(time.Hour))
	s.Tick()
	waitStarted(t, r)

	job, _ := s.Job("wf")
	assert.True(t, job.Running)
	s.Tick()
	s.Tick()
	assert.Equal(t, 1, r.count("wf"))

	close(r.block)
	s.wg.Wait()
	job, _ = s.Job("wf")
	assert.False(t, job.Running)
}

func TestScheduler_FailedRunStillReschedules(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("node failed")
	start := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	s, clk := newTestScheduler(r, start)

	require.NoError(t, s.Upsert(scheduledWorkflow("wf", map[string]any{"time": "08:30", "loop": true})))
	clk.Set(start.Add(time.Hour))
	s.Tick()
	waitStarted(t, r)
	s.wg.Wait()

	job, ok := s.Job("wf")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 11, 8, 30, 0, 0, time.UTC), job.NextRunAt)
}

func TestScheduler_UpsertWithoutScheduleRemoves(t *testing.T) {
	s, _ := newTestScheduler(newFakeRunner(), time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))
	wf := scheduledWorkflow("wf", map[string]any{"time": "09:00", "loop": true})
	require.NoError(t, s.Upsert(wf))
	require.Len(t, s.Jobs(), 1)

	wf.Active = false
	assert.ErrorIs(t, s.Upsert(wf), ErrNoSchedule)
	assert.Empty(t, s.Jobs())

	manual := &flow.Workflow{ID: "m", Active: true}
	assert.ErrorIs(t, s.Upsert(manual), ErrNoSchedule)
}

func TestScheduler_StartStop(t *testing.T) {
	s := New(newFakeRunner(), Options{Tick: time.Hour}, nil)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	s.Stop()
}
