package stream

import (
	"context"
	"sync"

	"scriptgate.org/internal/model"
)

const subscriberBuffer = 64

// Stream fan-outs committed audit entries to live subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

type subscriber struct {
	ch        chan model.AuditEntry
	accountID string
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries. A non-empty accountID restricts delivery to that account. The
// channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, accountID string) <-chan model.AuditEntry {
	ch := make(chan model.AuditEntry, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, accountID: accountID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all matching subscribers.
func (s *Stream) Publish(entry model.AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.accountID != "" && (entry.AccountID == nil || *entry.AccountID != sub.accountID) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
