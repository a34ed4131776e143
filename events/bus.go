package events

import (
	"sync"
	"time"
)

// DefaultSubscriberBuffer is the channel depth used when Subscribe is called
// with a non-positive buffer.
const DefaultSubscriberBuffer = 64

// Bus fans events out to subscribers. Publish never blocks: when a
// subscriber's channel is full the event is dropped for that subscriber and
// counted. All methods are safe for concurrent use. A nil *Bus is valid and
// discards every publish, so components can treat the bus as optional.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool

	dropMu  sync.Mutex
	dropped uint64

	nowMs func() int64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:  make(map[int]chan Event),
		nowMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed by cancel or by Close. buffer <= 0 selects
// DefaultSubscriberBuffer.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has room. AtMs is stamped when
// zero. Safe to call on a nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.AtMs == 0 {
		e.AtMs = b.nowMs()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropMu.Lock()
			b.dropped++
			b.dropMu.Unlock()
		}
	}
}

// Dropped reports how many events were discarded because a subscriber was
// full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped
}

// Close closes all subscriber channels. Publishes after Close are dropped.
func (b *Bus) Close() {
	if b == nil {
		return
	}
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
