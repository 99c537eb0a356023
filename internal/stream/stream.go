package stream

import (
	"context"
	"sync"
	"time"
)

// Event kinds.
const (
	KindSubmitted = "rumor.submitted"
	KindVoted     = "rumor.voted"
	KindDeleted   = "rumor.deleted"
	KindSwept     = "lifecycle.swept"
)

// RumorEvent is one change pushed to live subscribers. Submitter and voter
// identities are never included.
type RumorEvent struct {
	Kind         string    `json:"kind"`
	RumorID      string    `json:"rumor_id,omitempty"`
	VerifyCount  int       `json:"verify_count"`
	DisputeCount int       `json:"dispute_count"`
	TrustScore   float64   `json:"trust_score"`
	Status       string    `json:"status,omitempty"`
	Archived     int       `json:"archived,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stream fan-outs rumor events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan RumorEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan RumorEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan RumorEvent {
	ch := make(chan RumorEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
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

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt RumorEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
