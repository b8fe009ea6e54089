package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

// MessageStore keeps generated messages.
type MessageStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]pipeline.Message
	clock    pipeline.Clock
}

// NewMessageStore constructs a MessageStore.
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[int64]pipeline.Message)}
}

// SetClock stamps new messages from clock instead of the wall clock.
func (s *MessageStore) SetClock(clock pipeline.Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// DeleteAll purges every message.
func (s *MessageStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[int64]pipeline.Message)
	return nil
}

// Insert stores the message unless its industry/signal pair already has one.
func (s *MessageStore) Insert(_ context.Context, msg pipeline.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.IndustryID == msg.IndustryID && m.SignalID == msg.SignalID {
			return false, nil
		}
	}
	s.nextID++
	msg.ID = s.nextID
	msg.DeliveredUserIDs = slices.Clone(msg.DeliveredUserIDs)
	if msg.DeliveredUserIDs == nil {
		msg.DeliveredUserIDs = []int64{}
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
		if s.clock != nil {
			msg.CreatedAt = s.clock.Now()
		}
	}
	s.messages[msg.ID] = msg
	return true, nil
}

// ListSince returns messages created at or after since ordered by id.
func (s *MessageStore) ListSince(_ context.Context, since time.Time) ([]pipeline.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]pipeline.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.CreatedAt.Before(since) {
			continue
		}
		m.DeliveredUserIDs = slices.Clone(m.DeliveredUserIDs)
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MarkDelivered appends the user to the delivered set once.
func (s *MessageStore) MarkDelivered(_ context.Context, messageID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return false, pipeline.ErrNotFound
	}
	if m.DeliveredTo(userID) {
		return false, nil
	}
	m.DeliveredUserIDs = append(slices.Clone(m.DeliveredUserIDs), userID)
	s.messages[messageID] = m
	return true, nil
}
