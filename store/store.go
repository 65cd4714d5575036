// Package store keeps received messages in memory, keyed by id, and
// time-bounds retention. The store is the authoritative state; the broadcast
// bus only exists to push new arrivals to it and to live subscribers.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/mailcrab/mailcrab/log"
	"github.com/mailcrab/mailcrab/mail"
	"github.com/mailcrab/mailcrab/queue"
)

// minSweepInterval keeps a short retention period from inducing a busy sweep
const minSweepInterval = time.Minute

// Store is a concurrent mapping from message id to message. Writes are
// short (a single insert or one retain-sweep); readers never hold the lock
// across I/O.
type Store struct {
	retention time.Duration
	logger    log.Logger

	mu       sync.RWMutex
	messages map[mail.MessageId]*mail.Message
}

// New creates a store. A retention of zero keeps messages forever.
func New(retention time.Duration, logger log.Logger) *Store {
	return &Store{
		retention: retention,
		logger:    logger,
		messages:  make(map[mail.MessageId]*mail.Message),
	}
}

// Run consumes the broadcast subscription and periodically applies the
// retention sweep, until shutdown fires or the bus closes.
func (s *Store) Run(sub *queue.Subscription, shutdown <-chan struct{}) {
	ticker := time.NewTicker(s.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case m, ok := <-sub.C:
			if !ok {
				return
			}
			if n := sub.Lagged(); n > 0 {
				s.logger.Warnf("store lagged behind the queue, %d messages were not stored", n)
			}
			s.Insert(m)
		case <-ticker.C:
			if removed := s.Sweep(time.Now()); removed > 0 {
				s.logger.Infof("retention sweep removed %d messages", removed)
			}
		case <-shutdown:
			return
		}
	}
}

func (s *Store) sweepInterval() time.Duration {
	interval := s.retention / 10
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return interval
}

// Insert adds a message to the store
func (s *Store) Insert(m mail.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = &m
}

// Get returns a copy of the message with the given id
func (s *Store) Get(id mail.MessageId) (mail.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return mail.Message{}, false
	}
	return *m, true
}

// Remove drops one message, reporting whether it was present
func (s *Store) Remove(id mail.MessageId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return false
	}
	delete(s.messages, id)
	return true
}

// Clear drops all messages and returns how many were removed
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.messages)
	s.messages = make(map[mail.MessageId]*mail.Message)
	return n
}

// Open marks a message as opened, reporting whether it was present
func (s *Store) Open(id mail.MessageId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false
	}
	m.Open()
	return true
}

// Count returns the number of stored messages
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ListMetadata projects all stored messages, ascending by receive time
func (s *Store) ListMetadata() []mail.MessageMetadata {
	s.mu.RLock()
	list := make([]mail.MessageMetadata, 0, len(s.messages))
	for _, m := range s.messages {
		list = append(list, m.Metadata())
	}
	s.mu.RUnlock()

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Time < list[j].Time
	})
	return list
}

// Sweep removes messages older than the retention period, measured against
// now, and returns the number removed. A zero retention disables eviction.
func (s *Store) Sweep(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, m := range s.messages {
		if m.Time < cutoff {
			delete(s.messages, id)
			removed++
		}
	}
	return removed
}
