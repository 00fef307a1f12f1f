package events

import (
	"sync"
)

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events instead of stalling the publisher. Publish on a nil *Bus
// is a no-op.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]subscription
}

type subscription struct {
	ch   chan Event
	task string
}

func NewBus() *Bus {
	return &Bus{subs: make(map[<-chan Event]subscription)}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.task != "" && s.task != e.Task {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving all events.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeTask("", bufSize)
}

// SubscribeTask returns a channel receiving only the events of one task.
// An empty task matches every event.
func (b *Bus) SubscribeTask(task string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = subscription{ch: ch, task: task}
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
