package services

import (
	"sync"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

// EventRecord is a progress event stored in the per-run buffer.
type EventRecord struct {
	Seq int `json:"seq"`
	flow.ProgressEvent
}

// runEntry holds the in-memory state for a single run: buffered events,
// completion status, and subscriber notification channels.
type runEntry struct {
	mu          sync.RWMutex
	events      []EventRecord
	done        bool
	subs        []chan struct{} // closed-and-replaced on each new event (fan-out wakeup)
	completedAt time.Time
}

// snapshot returns a copy of events from startSeq onward, registers a
// subscriber notification channel, and reports the run's done state.
func (e *runEntry) snapshot(startSeq int) (events []EventRecord, notify <-chan struct{}, done bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if startSeq < 0 {
		startSeq = 0
	}
	if startSeq < len(e.events) {
		events = make([]EventRecord, len(e.events)-startSeq)
		copy(events, e.events[startSeq:])
	}

	ch := make(chan struct{})
	if e.done {
		close(ch)
	} else {
		e.subs = append(e.subs, ch)
	}
	return events, ch, e.done
}

func (e *runEntry) wake() []chan struct{} {
	subs := e.subs
	e.subs = nil
	return subs
}

// RunManager tracks in-progress and recently completed runs with a per-run
// event buffer and subscriber fan-out. It is a ports.ProgressSink, so the
// engine's events land here directly.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

// NewRunManager creates a RunManager that keeps completed run buffers for
// the given TTL before garbage-collecting them.
func NewRunManager(ttl time.Duration) *RunManager {
	rm := &RunManager{
		runs: make(map[string]*runEntry),
		ttl:  ttl,
		stop: make(chan struct{}),
	}
	go rm.gc()
	return rm
}

// Stop terminates the GC goroutine.
func (rm *RunManager) Stop() {
	rm.once.Do(func() { close(rm.stop) })
}

// Register creates the run's entry ahead of its first event so that
// subscribers can attach before the run starts.
func (rm *RunManager) Register(runID string) {
	rm.mu.Lock()
	if _, ok := rm.runs[runID]; !ok {
		rm.runs[runID] = &runEntry{}
	}
	rm.mu.Unlock()
}

// Emit buffers ev and wakes subscribers. A terminal event closes the run.
func (rm *RunManager) Emit(ev flow.ProgressEvent) {
	rm.mu.Lock()
	entry, ok := rm.runs[ev.RunID]
	if !ok {
		entry = &runEntry{}
		rm.runs[ev.RunID] = entry
	}
	rm.mu.Unlock()

	entry.mu.Lock()
	if entry.done {
		entry.mu.Unlock()
		return
	}
	entry.events = append(entry.events, EventRecord{Seq: len(entry.events), ProgressEvent: ev})
	if ev.Terminal() {
		entry.done = true
		entry.completedAt = time.Now()
	}
	subs := entry.wake()
	entry.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// Fail closes a run that never reached the engine, e.g. because it could not
// acquire a concurrency slot.
func (rm *RunManager) Fail(runID, workflowID, errMsg string) {
	rm.Emit(flow.ProgressEvent{
		Type:       flow.EventRunError,
		RunID:      runID,
		WorkflowID: workflowID,
		Timestamp:  time.Now(),
		Error:      errMsg,
	})
}

// Subscribe returns all buffered events from startSeq onward, a channel that
// is closed when new events arrive, and the run's done state. found is false
// if the run is not tracked.
func (rm *RunManager) Subscribe(runID string, startSeq int) (events []EventRecord, notify <-chan struct{}, done bool, found bool) {
	rm.mu.RLock()
	entry, ok := rm.runs[runID]
	rm.mu.RUnlock()
	if !ok {
		return nil, nil, false, false
	}

	events, notify, done = entry.snapshot(startSeq)
	return events, notify, done, true
}

// gc periodically removes completed run entries that have exceeded the TTL.
func (rm *RunManager) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.collectExpired(time.Now())
		}
	}
}

func (rm *RunManager) collectExpired(now time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for id, entry := range rm.runs {
		entry.mu.RLock()
		expired := entry.done && now.Sub(entry.completedAt) > rm.ttl
		entry.mu.RUnlock()
		if expired {
			delete(rm.runs, id)
		}
	}
}
