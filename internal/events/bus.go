package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBufferSize = 256

// Bus fans events out to registered listeners.
//
// Publish never blocks: each listener owns a buffered channel drained by its
// own goroutine. When a listener falls behind and its buffer fills, events
// for that listener are dropped and counted; dispatch is never delayed.
type Bus struct {
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []*subscription
	closed    bool

	wg sync.WaitGroup
}

type subscription struct {
	fn      Listener
	ch      chan Event
	dropped int64
	mu      sync.Mutex
}

// NewBus creates an event bus. A nil logger is replaced with a nop logger.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a listener. Nil listeners are ignored.
func (b *Bus) Subscribe(fn Listener) {
	if fn == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{fn: fn, ch: make(chan Event, defaultBufferSize)}
	b.listeners = append(b.listeners, sub)

	b.wg.Add(1)
	go b.deliver(sub)
}

// deliver drains one listener's channel. Listener panics are recovered and
// logged; a panicking listener keeps receiving subsequent events.
func (b *Bus) deliver(sub *subscription) {
	defer b.wg.Done()
	for ev := range sub.ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event listener panicked",
						zap.Any("panic", r),
						zap.String("event_type", string(ev.Type)),
					)
				}
			}()
			sub.fn(ev)
		}()
	}
}

// Publish sends an event to all listeners without blocking. A zero timestamp
// is stamped with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	listeners := b.listeners
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	for _, sub := range listeners {
		select {
		case sub.ch <- ev:
		default:
			sub.mu.Lock()
			sub.dropped++
			n := sub.dropped
			sub.mu.Unlock()
			if n == 1 || n%100 == 0 {
				b.logger.Warn("slow event listener, dropping events",
					zap.Int64("dropped_total", n),
					zap.String("event_type", string(ev.Type)),
				)
			}
		}
	}
}

// Close stops delivery and waits for in-flight listener calls to return.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	listeners := b.listeners
	b.mu.Unlock()

	for _, sub := range listeners {
		close(sub.ch)
	}
	b.wg.Wait()
}
