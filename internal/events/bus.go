package events

import (
	"sync"
	"time"

	"github.com/remotekernel/kernelctl/internal/serverapi"
)

// Kind identifies one notification topic.
type Kind string

const (
	KindConnectionEstablished Kind = "connection-established"
	KindConnectionLost        Kind = "connection-lost"
	KindConnectionStatus      Kind = "connection-status-changed"
	KindServerLog             Kind = "server-log"
	KindKernelList            Kind = "kernel-list"
	KindKernelStarted         Kind = "kernel-started"
	KindKernelInfo            Kind = "kernel-info"
	KindKernelTerminated      Kind = "kernel-terminated"
)

// Event is one notification. Payload fields are populated per Kind; unused
// fields stay zero.
type Event struct {
	Kind       Kind
	EndpointID string
	State      string
	KernelID   string
	Kernel     serverapi.Kernel
	Kernels    []serverapi.Kernel
	Log        serverapi.LogRecord
	At         time.Time
}

// Bus fans events out to subscribers on a best-effort basis. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscriber
	nextID int
	closed bool
}

// Subscriber receives events for its registered kinds on a buffered channel.
type Subscriber struct {
	id    int
	kinds map[Kind]struct{}
	ch    chan Event
	bus   *Bus
	once  sync.Once
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscriber)}
}

// Subscribe registers for the given kinds; no kinds means every kind.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscriber {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &Subscriber{
		ch:  make(chan Event, buffer),
		bus: b,
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(event.Kind) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close unsubscribes everyone and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Events is the subscriber's receive channel; closed on unsubscribe or bus close.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscriber from the bus and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; !ok {
			return
		}
		delete(s.bus.subs, s.id)
		close(s.ch)
	})
}

func (s *Subscriber) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}
