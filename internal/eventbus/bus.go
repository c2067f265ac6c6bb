// Package eventbus is a non-blocking in-memory fanout for domain signals
// (event transitions, relay outcomes, notifier results).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot.
const (
	EventAdded   = "event.added"
	EventWarned  = "event.warned"
	EventFired   = "event.fired"
	EventRemoved = "event.removed"

	RelayAccepted = "relay.accepted"
	RelayRejected = "relay.rejected"

	NotifierSent   = "notifier.sent"
	NotifierFailed = "notifier.failed"

	ConfigReloaded = "config.reloaded"
)

// Event is a small signal. Publish never blocks; a slow subscriber loses events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe delivers events whose Type is in types, or every event when types is empty.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

type subscriber struct {
	ch    chan Event
	types map[string]struct{}
}

func (s subscriber) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Mem is the in-process Bus. It owns no goroutines.
type Mem struct {
	mu      sync.RWMutex
	subs    map[uint64]subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func New() *Mem {
	return &Mem{subs: map[uint64]subscriber{}}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *Mem) Dropped() uint64 { return b.dropped.Load() }

func (b *Mem) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *Mem) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Publish holds the read lock while sending, so closing under the write lock is safe.
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
