package event

import (
	"log/slog"
	"sync"
)

// Bus fans events out to subscribers. Each subscriber has its own unbounded
// queue and delivery goroutine, so a slow observer never stalls the
// publisher or the other observers. Bus is itself an Observer.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe starts delivering events to o. The returned function stops the
// subscription after the events already queued for o are delivered.
func (b *Bus) Subscribe(o Observer) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++
	s := &subscriber{observer: o, signal: make(chan struct{}, 1)}
	b.subs[id] = s
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		s.run()
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.stop()
		})
	}
}

// Notify publishes e to every current subscriber. Events published after
// Close are dropped.
func (b *Bus) Notify(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close stops accepting events and waits until every queued event has been
// delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	b.wg.Wait()
}

type subscriber struct {
	observer Observer
	signal   chan struct{}

	mu      sync.Mutex
	queue   []Event
	stopped bool
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	for range s.signal {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		stopped := s.stopped
		s.mu.Unlock()

		for _, e := range batch {
			s.deliver(e)
		}
		if stopped {
			return
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event observer panicked.", "kind", e.Kind, "runID", e.RunID, "panic", r)
		}
	}()
	s.observer.Notify(e)
}
