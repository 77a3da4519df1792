package events

import (
	"sync"
	"sync/atomic"
)

// DropFunc is told which topic and subscriber lost a payload.
type DropFunc func(topic Event, subscriber string)

type subscriber struct {
	name string
	ch   chan any
}

// Bus fans payloads out to buffered subscriber channels. Publish never
// blocks: a full subscriber loses the payload, and every loss is counted per
// topic and reported to the registered drop hooks.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]*subscriber
	dropped map[Event]*atomic.Uint64
	hooks   map[int]DropFunc
	nextID  int
}

func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Event][]*subscriber),
		dropped: make(map[Event]*atomic.Uint64),
		hooks:   make(map[int]DropFunc),
	}
}

// Subscribe registers an anonymous listener for topic.
func (b *Bus) Subscribe(topic Event, buffer int) (<-chan any, func()) {
	return b.SubscribeAs("", topic, buffer)
}

// SubscribeAs registers a listener whose name is reported on drops. The
// returned func unsubscribes and closes the channel.
func (b *Bus) SubscribeAs(name string, topic Event, buffer int) (<-chan any, func()) {
	s := &subscriber{name: name, ch: make(chan any, buffer)}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], s)
	if _, ok := b.dropped[topic]; !ok {
		b.dropped[topic] = new(atomic.Uint64)
	}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, cur := range list {
				if cur == s {
					b.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			close(s.ch)
		})
	}
}

// OnDrop registers fn for every lost payload and returns its removal func.
// fn runs on the publishing goroutine and must not block.
func (b *Bus) OnDrop(fn DropFunc) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.hooks[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.hooks, id)
		b.mu.Unlock()
	}
}

// Publish delivers payload to every subscriber of topic that has room and
// returns how many received it.
func (b *Bus) Publish(topic Event, payload any) int {
	var lost []string

	b.mu.RLock()
	delivered := 0
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- payload:
			delivered++
		default:
			lost = append(lost, s.name)
		}
	}
	if len(lost) == 0 {
		b.mu.RUnlock()
		return delivered
	}
	b.dropped[topic].Add(uint64(len(lost)))
	hooks := make([]DropFunc, 0, len(b.hooks))
	for _, fn := range b.hooks {
		hooks = append(hooks, fn)
	}
	b.mu.RUnlock()

	for _, name := range lost {
		for _, fn := range hooks {
			fn(topic, name)
		}
	}
	return delivered
}

// Dropped returns the per-topic count of lost payloads.
func (b *Bus) Dropped() map[Event]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[Event]uint64, len(b.dropped))
	for topic, n := range b.dropped {
		if v := n.Load(); v > 0 {
			out[topic] = v
		}
	}
	return out
}
