package core

import (
	"sync"

	"github.com/gammazero/deque"
)

// Subscription is a handle on an ordered event stream. Events are queued
// without bound so the engine loop never waits on a slow reader.
type Subscription struct {
	token  uint64
	roomID string // empty for global subscriptions

	events chan Event

	mu     sync.Mutex
	queue  deque.Deque[Event]
	closed bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newSubscription(token uint64, roomID string) *Subscription {
	s := &Subscription{
		token:  token,
		roomID: roomID,
		events: make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.pump()
	return s
}

// Token identifies the subscription for Unsubscribe and CloseRoom.
func (s *Subscription) Token() uint64 {
	return s.token
}

// RoomID returns the room of a room subscription, empty for global ones.
func (s *Subscription) RoomID() string {
	return s.roomID
}

// Events returns the event channel. It is closed once the subscription is
// removed.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// push queues ev. Events pushed after close are dropped.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue.PushBack(ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.exited)
	defer close(s.events)

	for {
		s.mu.Lock()
		for s.queue.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		ev := s.queue.PopFront()
		s.mu.Unlock()

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// close stops delivery and waits for the pump to exit. Once it returns no
// further event is delivered and Events is closed.
func (s *Subscription) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue.Clear()
		s.mu.Unlock()
		close(s.done)
	})
	<-s.exited
}
