package updater

import (
	"sync"
	"time"

	"github.com/breeze-rmm/vrupdate/internal/update"
)

// Event is one published status transition. Seq increases by one per
// transition so observers can detect gaps.
type Event struct {
	Seq    uint64
	At     time.Time
	Status update.Status
}

// bus holds the current-status slot and fans transitions out to
// subscribers. The slot write and every subscriber enqueue happen under one
// lock, so all subscribers see the same order and Status() never runs ahead
// of or behind the stream.
type bus struct {
	mu      sync.Mutex
	current Event
	subs    map[uint64]*subscriber
	nextID  uint64
	closed  bool
	now     func() time.Time
}

func newBus(now func() time.Time) *bus {
	return &bus{
		current: Event{At: now(), Status: update.NoUpdates{}},
		subs:    make(map[uint64]*subscriber),
		now:     now,
	}
}

func (b *bus) publish(s update.Status) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Seq: b.current.Seq + 1, At: b.now(), Status: s}
	b.current = ev
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
	return ev
}

func (b *bus) load() Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// subscribe returns a stream starting with the current status. cancel
// releases the subscription and closes the channel.
func (b *bus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscriber()
	if b.closed {
		sub.stop()
		return sub.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	sub.enqueue(b.current)
	sub.started = true
	go sub.run()

	return sub.out, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.stop()
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.stop()
	}
}

// subscriber buffers without bound so a slow reader never blocks the
// publisher and never loses a transition.
type subscriber struct {
	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	done     chan struct{}
	out      chan Event
	stopOnce sync.Once
	// started is set before run is launched; run owns closing out.
	started bool
}

func newSubscriber() *subscriber {
	return &subscriber{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if !s.started {
			close(s.out)
		}
	})
}

func (s *subscriber) run() {
	defer close(s.out)

	for {
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
