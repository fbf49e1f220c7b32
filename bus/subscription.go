package bus

import (
	"sync"

	permission "github.com/goliatone/go-permission"
)

// Subscription is a live, non restartable sequence of matching events.
type Subscription struct {
	id     string
	name   string
	filter Filter
	bus    *Bus

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []permission.Event
	closed bool

	out     chan permission.Event
	stop    chan struct{}
	done    chan struct{}
	handled chan struct{}
	once    sync.Once
}

func (s *Subscription) ID() string   { return s.id }
func (s *Subscription) Name() string { return s.name }

// Events is the delivery channel. It is closed once the subscription ends.
func (s *Subscription) Events() <-chan permission.Event { return s.out }

// Done is closed when delivery stopped and, for Handle subscriptions, the handler returned.
func (s *Subscription) Done() <-chan struct{} {
	if s.handled != nil {
		return s.handled
	}
	return s.done
}

// Pending reports the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Unsubscribe ends the subscription. Queued events are dropped.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}
	s.cancel()
}

func (s *Subscription) cancel() {
	s.once.Do(func() {
		s.closeQueue()
		close(s.stop)
	})
}

func (s *Subscription) closeQueue() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	if s.cond != nil {
		s.cond.Broadcast()
	}
}

func (s *Subscription) enqueue(ev permission.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	s.queue = append(s.queue, ev)
	s.cond.Signal()
	return len(s.queue)
}

func (s *Subscription) next() (permission.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return permission.Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = permission.Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.out)
	for {
		ev, ok := s.next()
		if !ok {
			return
		}
		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}
