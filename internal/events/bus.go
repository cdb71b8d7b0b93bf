package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fleetfs/pkg/api"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// Subscription receives the events of the topics it was created for.
type Subscription struct {
	C      <-chan api.StatusEvent
	ch     chan api.StatusEvent
	topics map[api.Topic]bool
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus fans status events out to per-subscriber channels. Publish never
// blocks: an event that does not fit a subscriber's buffer is dropped for
// that subscriber.
type Bus struct {
	buffer  int
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a subscription to the given topics, or to all topics when none are given.
func (b *Bus) Subscribe(topics ...api.Topic) *Subscription {
	if len(topics) == 0 {
		topics = api.Topics
	}
	ch := make(chan api.StatusEvent, b.buffer)
	s := &Subscription{C: ch, ch: ch, topics: make(map[api.Topic]bool, len(topics)), bus: b}
	for _, t := range topics {
		s.topics[t] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Bus) Publish(ev api.StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if !s.topics[ev.Topic] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			log.Warn().Str("topic", string(ev.Topic)).Str("task_id", ev.TaskID).Msg("subscriber full, event dropped")
		}
	}
}

// Dropped counts events discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
