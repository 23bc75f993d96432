// Package scheduler fires workflows whose trigger is a date/time schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// ErrNoSchedule means a workflow has no schedule trigger, or is inactive.
var ErrNoSchedule = errors.New("workflow has no active schedule trigger")

const DefaultTick = 30 * time.Second

// Runner starts a scheduled run and blocks until it reaches a terminal state.
type Runner interface {
	RunScheduled(ctx context.Context, workflowID string) error
}

type Options struct {
	Tick     time.Duration
	Location *time.Location
}

// Scheduler keeps one job per scheduled workflow and fires due jobs on a
// fixed tick. A job is never fired again while its previous run is still in
// flight.
type Scheduler struct {
	runner   Runner
	loc      *time.Location
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	jobs map[string]*flow.ScheduledJob

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(runner Runner, opts Options, logger *slog.Logger) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		loc:      opts.Location,
		interval: opts.Tick,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		jobs:     make(map[string]*flow.ScheduledJob),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Location is the fixed zone all schedule arithmetic uses.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start begins ticking. It does not fire anything synchronously.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}
	c := cron.New(cron.WithLocation(s.loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), s.Tick); err != nil {
		return fmt.Errorf("register tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler: started", "tick", s.interval, "timezone", s.loc.String(), "jobs", len(s.jobs))
	return nil
}

// Stop halts the tick, cancels in-flight runs' context and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler: stopped")
}

// Upsert (re)schedules wf from its schedule trigger node. Inactive workflows
// and workflows without one are removed and ErrNoSchedule is returned. A
// one-shot schedule whose time has passed is dropped without error.
func (s *Scheduler) Upsert(wf *flow.Workflow) error {
	cfg, ok, err := scheduleOf(wf)
	if err != nil {
		s.Remove(wf.ID)
		return err
	}
	if !ok || !wf.Active {
		s.Remove(wf.ID)
		return ErrNoSchedule
	}

	next, due, err := NextRunAt(cfg, s.now(), s.loc)
	if err != nil {
		s.Remove(wf.ID)
		return fmt.Errorf("workflow %s: %w", wf.ID, err)
	}
	if !due {
		s.Remove(wf.ID)
		s.logger.Info("scheduler: one-shot schedule already passed, not scheduled", "workflow_id", wf.ID, "date", cfg.Date, "time", cfg.Time)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job := &flow.ScheduledJob{
		WorkflowID: wf.ID,
		Date:       cfg.Date,
		Time:       cfg.Time,
		Loop:       cfg.Loop,
		NextRunAt:  next,
	}
	if prev, exists := s.jobs[wf.ID]; exists {
		job.Running = prev.Running
	}
	s.jobs[wf.ID] = job
	s.logger.Info("scheduler: job scheduled", "workflow_id", wf.ID, "next_run_at", next, "loop", cfg.Loop)
	return nil
}

// Remove drops the workflow's job. A run already in flight is not affected.
func (s *Scheduler) Remove(workflowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[workflowID]
	delete(s.jobs, workflowID)
	return ok
}

// Build schedules every active workflow once at start.
func (s *Scheduler) Build(ctx context.Context, source ports.WorkflowSource) error {
	workflows, err := source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, wf := range workflows {
		if err := s.Upsert(wf); err != nil && !errors.Is(err, ErrNoSchedule) {
			s.logger.Warn("scheduler: workflow not scheduled", "workflow_id", wf.ID, "err", err)
		}
	}
	return nil
}

// Job returns a copy of the workflow's job.
func (s *Scheduler) Job(workflowID string) (flow.ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[workflowID]
	if !ok {
		return flow.ScheduledJob{}, false
	}
	return *j, true
}

// Jobs returns copies of all jobs ordered by next run.
func (s *Scheduler) Jobs() []flow.ScheduledJob {
	s.mu.Lock()
	out := make([]flow.ScheduledJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].WorkflowID < out[k].WorkflowID
		}
		return out[i].NextRunAt.Before(out[k].NextRunAt)
	})
	return out
}

// Tick fires every due job that is not already running. Each job runs in its
// own goroutine so a slow workflow never delays the others.
func (s *Scheduler) Tick() {
	now := s.now()

	s.mu.Lock()
	var due []*flow.ScheduledJob
	for _, j := range s.jobs {
		if j.Running || j.NextRunAt.After(now) {
			continue
		}
		j.Running = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go s.fire(j)
	}
}

func (s *Scheduler) fire(fired *flow.ScheduledJob) {
	defer s.wg.Done()
	workflowID := fired.WorkflowID
	log := s.logger.With("workflow_id", workflowID)
	log.Info("scheduler: firing job")

	err := s.run(workflowID)
	if err != nil {
		log.Warn("scheduler: scheduled run failed", "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[workflowID]
	if !ok {
		return
	}
	j.Running = false
	if j != fired {
		// Rescheduled while running; the new job already has its own time.
		return
	}
	if !j.Loop {
		delete(s.jobs, workflowID)
		return
	}
	next, due, err := NextRunAt(flow.ScheduleTriggerConfig{Date: j.Date, Time: j.Time, Loop: true}, s.now(), s.loc)
	if err != nil || !due {
		log.Error("scheduler: cannot reschedule loop job", "err", err)
		delete(s.jobs, workflowID)
		return
	}
	j.NextRunAt = next
}

func (s *Scheduler) run(workflowID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled run panicked: %v", r)
		}
	}()
	return s.runner.RunScheduled(s.ctx, workflowID)
}

func scheduleOf(wf *flow.Workflow) (flow.ScheduleTriggerConfig, bool, error) {
	for _, n := range wf.Graph.Nodes {
		if n.Type != flow.NodeTypeTrigger || n.ActionID != flow.ActionTriggerSchedule {
			continue
		}
		cfg, err := flow.DecodeActionConfig(n.ActionID, n.Config)
		if err != nil {
			return flow.ScheduleTriggerConfig{}, false, err
		}
		return *cfg.(*flow.ScheduleTriggerConfig), true, nil
	}
	return flow.ScheduleTriggerConfig{}, false, nil
}
