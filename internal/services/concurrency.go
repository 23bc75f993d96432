package services

import (
	"context"
	"sync"

	"github.com/soochol/nodeflow/internal/flow"
)

// Limits caps concurrent runs globally and per workflow.
type Limits struct {
	GlobalMax   int `yaml:"global_max"`
	PerWorkflow int `yaml:"per_workflow"`
}

// RunLimiter admits workflow runs through two counting semaphores: one
// shared by every run and one per workflow. Admitted runs are tallied by
// trigger type so the stats endpoint can show where load comes from.
type RunLimiter struct {
	global chan struct{}
	limits Limits

	mu        sync.Mutex
	workflows map[string]*workflowSlots
	byTrigger map[flow.TriggerType]int
	waiting   int
}

// workflowSlots is dropped from the map once no run holds or waits on it.
type workflowSlots struct {
	slots chan struct{}
	refs  int
}

func NewRunLimiter(limits Limits) *RunLimiter {
	if limits.GlobalMax <= 0 {
		limits.GlobalMax = 10
	}
	if limits.PerWorkflow <= 0 {
		limits.PerWorkflow = 3
	}
	return &RunLimiter{
		global:    make(chan struct{}, limits.GlobalMax),
		limits:    limits,
		workflows: make(map[string]*workflowSlots),
		byTrigger: make(map[flow.TriggerType]int),
	}
}

// Acquire blocks until the run of workflowID may start. The returned
// release must be called exactly once when the run ends; calling it again
// is a no-op.
func (l *RunLimiter) Acquire(ctx context.Context, workflowID string, tt flow.TriggerType) (release func(), err error) {
	ws := l.join(workflowID)

	select {
	case l.global <- struct{}{}:
	case <-ctx.Done():
		l.leave(workflowID, ws)
		return nil, ctx.Err()
	}

	select {
	case ws.slots <- struct{}{}:
	case <-ctx.Done():
		<-l.global
		l.leave(workflowID, ws)
		return nil, ctx.Err()
	}

	l.mu.Lock()
	l.waiting--
	l.byTrigger[tt]++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ws.slots
			<-l.global
			l.mu.Lock()
			if l.byTrigger[tt]--; l.byTrigger[tt] == 0 {
				delete(l.byTrigger, tt)
			}
			l.release(workflowID, ws)
			l.mu.Unlock()
		})
	}, nil
}

func (l *RunLimiter) join(workflowID string) *workflowSlots {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.workflows[workflowID]
	if !ok {
		ws = &workflowSlots{slots: make(chan struct{}, l.limits.PerWorkflow)}
		l.workflows[workflowID] = ws
	}
	ws.refs++
	l.waiting++
	return ws
}

// leave undoes join for a run that gave up waiting.
func (l *RunLimiter) leave(workflowID string, ws *workflowSlots) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.waiting--
	l.release(workflowID, ws)
}

// release drops one reference. Callers hold l.mu.
func (l *RunLimiter) release(workflowID string, ws *workflowSlots) {
	if ws.refs--; ws.refs == 0 {
		delete(l.workflows, workflowID)
	}
}

// RunLoad is a point-in-time view of the limiter.
type RunLoad struct {
	ActiveRuns  int                      `json:"activeRuns"`
	WaitingRuns int                      `json:"waitingRuns"`
	Workflows   int                      `json:"workflows"` // holding or waiting on a slot
	ByTrigger   map[flow.TriggerType]int `json:"byTrigger"`
	GlobalMax   int                      `json:"globalMax"`
	PerWorkflow int                      `json:"perWorkflow"`
}

func (l *RunLimiter) Stats() RunLoad {
	l.mu.Lock()
	defer l.mu.Unlock()
	load := RunLoad{
		WaitingRuns: l.waiting,
		Workflows:   len(l.workflows),
		ByTrigger:   make(map[flow.TriggerType]int, len(l.byTrigger)),
		GlobalMax:   l.limits.GlobalMax,
		PerWorkflow: l.limits.PerWorkflow,
	}
	for tt, n := range l.byTrigger {
		load.ByTrigger[tt] = n
		load.ActiveRuns += n
	}
	return load
}
