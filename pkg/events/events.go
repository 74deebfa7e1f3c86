// Package events carries job lifecycle notifications from the queue and the
// worker pool to interested observers such as metrics or tests.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the bus counts the drop.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a lifecycle transition.
type Kind string

const (
	Enqueued  Kind = "enqueued"
	Active    Kind = "active"
	Progress  Kind = "progress"
	Completed Kind = "completed"
	Retrying  Kind = "retrying"
	Failed    Kind = "failed"
	Removed   Kind = "removed"
	Stalled   Kind = "stalled"
)

// JobEvent describes one transition of one job.
type JobEvent struct {
	Queue    string
	JobID    string
	Type     string
	Kind     Kind
	Attempt  int
	Progress int
	Err      string

	// Duration is the time spent queued for Active events and the run time
	// of the attempt for Completed events.
	Duration  time.Duration
	Timestamp time.Time
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan JobEvent
	nextID  int
	closed  bool
	dropped atomic.Int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan JobEvent)}
}

// Subscribe registers a new observer with the given buffer size. The returned
// function unsubscribes and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(buffer int) (<-chan JobEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan JobEvent, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room. A nil bus discards
// the event.
func (b *Bus) Publish(e JobEvent) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
