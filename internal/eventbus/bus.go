package eventbus

import (
	"sync"
	"time"
)

// Event types published by the relay.
const (
	TypeFetchOK     = "relay.fetch.ok"
	TypeFetchEmpty  = "relay.fetch.empty"
	TypeFetchFailed = "relay.fetch.failed"
	TypeSendOK      = "relay.send.ok"
	TypeSendFailed  = "relay.send.failed"
	TypeSendSkipped = "relay.send.skipped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Delivery is the Data payload of relay.send.* events.
type Delivery struct {
	Destination string
	SnapshotID  string
	SourceMsgID int64
	Took        time.Duration
	Err         string
}

// Fetch is the Data payload of relay.fetch.* events.
type Fetch struct {
	Source      string
	SnapshotID  string
	SourceMsgID int64
	Took        time.Duration
	Err         string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

// memBus fans out under a read lock. Unsubscribe takes the write lock before
// closing, so Publish never sends on a closed channel.
type memBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default: // slow subscriber: drop
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}
