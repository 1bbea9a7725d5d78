package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryStore is the default DiscussionStore when no database is
// configured. A single mutex serializes all appends, which trivially
// satisfies the per-discussion ordering requirement at this workload's
// scale.
type InMemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Discussion
	byPair map[string]string // participant key -> discussion id
}

// NewInMemoryStore constructs an empty in-memory DiscussionStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[string]*Discussion),
		byPair: make(map[string]string),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close(_ context.Context) error { return nil }

// FindOrCreate returns the discussion for the participant set, creating
// it when absent. Idempotent: the same set in any order maps to the
// same discussion.
func (s *InMemoryStore) FindOrCreate(ctx context.Context, participants []string) (Discussion, bool, error) {
	key, norm := participantKey(participants)
	if key == "" {
		return Discussion{}, false, fmt.Errorf("%w: need at least two participants", ErrInvalidMessage)
	}
	if err := ctx.Err(); err != nil {
		return Discussion{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return snapshotDiscussion(s.byID[id]), false, nil
	}

	now := time.Now().UTC()
	d := &Discussion{
		ID:           MustULID(now),
		Participants: norm,
		Messages:     make([]Message, 0, 16),
		CreatedAt:    now,
	}
	s.byID[d.ID] = d
	s.byPair[key] = d.ID

	return snapshotDiscussion(d), true, nil
}

// FindByID loads a discussion with its full history.
func (s *InMemoryStore) FindByID(ctx context.Context, id string) (Discussion, error) {
	if err := ctx.Err(); err != nil {
		return Discussion{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[id]
	if !ok {
		return Discussion{}, ErrDiscussionNotFound
	}
	return snapshotDiscussion(d), nil
}

// AppendMessage durably appends a message, allocating seq and clamping
// the timestamp so that timestamp order always agrees with append order.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	if in.DiscussionID == "" || in.SenderID == "" || in.Content == "" {
		return Message{}, ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.byID[in.DiscussionID]
	if !ok {
		return Message{}, ErrDiscussionNotFound
	}

	if n := len(d.Messages); n > 0 && now.Before(d.Messages[n-1].Timestamp) {
		now = d.Messages[n-1].Timestamp
	}

	msg := Message{
		ID:           MustULID(now),
		DiscussionID: d.ID,
		SenderID:     in.SenderID,
		Content:      in.Content,
		Seq:          int64(len(d.Messages)) + 1,
		Timestamp:    now,
	}
	d.Messages = append(d.Messages, msg)
	d.LastMessageAt = now

	return msg, nil
}

// snapshotDiscussion copies a discussion so callers never observe a
// message slice that a concurrent append is growing.
func snapshotDiscussion(d *Discussion) Discussion {
	out := *d
	out.Participants = append([]string(nil), d.Participants...)
	out.Messages = append([]Message(nil), d.Messages...)
	return out
}
