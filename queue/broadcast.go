// Package queue implements the broadcast bus between the SMTP ingest path
// and its subscribers: a bounded fan-out where every published message is
// delivered to each current subscriber, and where a slow subscriber is
// lag-skipped rather than ever back-pressuring the producer.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mailcrab/mailcrab/mail"
)

var (
	// ErrNoSubscribers is returned by Publish when nobody is listening
	ErrNoSubscribers = errors.New("broadcast: no subscribers")
	// ErrClosed is returned when the broadcaster has been shut down
	ErrClosed = errors.New("broadcast: closed")
)

// ErrLagged signals that a subscriber was too slow and its cursor was moved
// past Count messages to the oldest still-buffered entry
type ErrLagged struct {
	Count int64
}

func (e *ErrLagged) Error() string {
	return fmt.Sprintf("broadcast: subscriber lagged by %d messages", e.Count)
}

// Broadcaster fans messages out to any number of subscribers. Each
// subscriber owns a bounded buffer of the configured capacity; publishing
// never blocks.
type Broadcaster struct {
	capacity int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// DefaultCapacity is the per-subscriber buffer size when none is configured
const DefaultCapacity = 32

func NewBroadcaster(capacity int) *Broadcaster {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcaster{
		capacity: capacity,
		subs:     make(map[uint64]*Subscription),
	}
}

// Subscription is one subscriber's view of the bus. Messages are read from C;
// a closed C means the broadcaster shut down. After a read, Lagged reports
// how many messages were dropped for this subscriber since the previous call.
type Subscription struct {
	C <-chan mail.Message

	id     uint64
	b      *Broadcaster
	ch     chan mail.Message
	lagged atomic.Int64
	once   sync.Once
}

// Subscribe attaches a new subscriber. It observes only messages published
// after this call.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscription{
		id: b.nextID,
		b:  b,
		ch: make(chan mail.Message, b.capacity),
	}
	s.C = s.ch
	b.subs[s.id] = s
	b.nextID++
	return s, nil
}

// Publish delivers m to every current subscriber. A subscriber whose buffer
// is full loses its oldest entry and has its lag counter bumped; the caller
// is never blocked. Returns ErrNoSubscribers when nobody is listening.
func (b *Broadcaster) Publish(m mail.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if len(b.subs) == 0 {
		return ErrNoSubscribers
	}
	for _, s := range b.subs {
		for {
			select {
			case s.ch <- m:
			default:
				// evict the oldest buffered message and retry
				select {
				case <-s.ch:
					s.lagged.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
	return nil
}

// SubscriberCount reports the number of attached subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down; all subscriber channels are closed
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Lagged returns the number of messages dropped for this subscriber since
// the last call, resetting the counter
func (s *Subscription) Lagged() int64 {
	return s.lagged.Swap(0)
}

// Close detaches the subscriber from the bus
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		if _, ok := s.b.subs[s.id]; ok {
			delete(s.b.subs, s.id)
			close(s.ch)
		}
	})
}

// Recv blocks until a message arrives, the done channel fires, or the bus
// closes. A lag accumulated before the read is reported as *ErrLagged ahead
// of the next message.
func (s *Subscription) Recv(done <-chan struct{}) (mail.Message, error) {
	if n := s.Lagged(); n > 0 {
		return mail.Message{}, &ErrLagged{Count: n}
	}
	select {
	case m, ok := <-s.C:
		if !ok {
			return mail.Message{}, ErrClosed
		}
		return m, nil
	case <-done:
		return mail.Message{}, ErrClosed
	}
}
