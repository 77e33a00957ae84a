package dictation

import (
	"sync"
	"time"
)

// Events fans orchestrator events out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
//
// The zero value is ready to use.
type Events struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

// Subscribe returns a channel receiving every event published from now on
// and a function that unsubscribes and closes the channel. buffer below 1 is
// raised to 1.
func (e *Events) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	if e.subs == nil {
		e.subs = make(map[int]chan Event)
	}
	id := e.next
	e.next++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room. A zero Time is
// stamped with the current time.
func (e *Events) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Len returns the number of subscribers.
func (e *Events) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
