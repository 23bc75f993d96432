package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

type EventHandler func(flow.ProgressEvent)

// EventBus fans progress events out to subscribed handlers. Handlers run on
// the publishing goroutine and must not block; put an AsyncSink in front of
// the bus to keep publishers off the critical path.
type EventBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

var _ ports.ProgressSink = (*EventBus)(nil)

func NewEventBus() *EventBus {
	return &EventBus{}
}

func (b *EventBus) Subscribe(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *EventBus) Emit(ev flow.ProgressEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Channel subscribes a buffered channel. Events that do not fit are dropped.
func (b *EventBus) Channel(ctx context.Context, bufSize int) <-chan flow.ProgressEvent {
	ch := make(chan flow.ProgressEvent, bufSize)
	var (
		mu     sync.Mutex
		closed bool
	)
	b.Subscribe(func(e flow.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	go func() {
		<-ctx.Done()
		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()
	return ch
}

// AsyncSink decouples event producers from a downstream sink with a bounded
// queue drained by one goroutine. When the queue is full the new event is
// dropped and counted; Emit never blocks.
type AsyncSink struct {
	next    ports.ProgressSink
	queue   chan flow.ProgressEvent
	dropped atomic.Int64
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ ports.ProgressSink = (*AsyncSink)(nil)

func NewAsyncSink(next ports.ProgressSink, bufSize int) *AsyncSink {
	if bufSize <= 0 {
		bufSize = 256
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan flow.ProgressEvent, bufSize),
		done:  make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *AsyncSink) Emit(ev flow.ProgressEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}

func (s *AsyncSink) drain() {
	defer close(s.done)
	for ev := range s.queue {
		s.deliver(ev)
	}
}

func (s *AsyncSink) deliver(ev flow.ProgressEvent) {
	defer func() { _ = recover() }()
	s.next.Emit(ev)
}
