// Package chat contains the presence-aware messaging core: the
// connection registry, presence broadcaster, message router, discussion
// persistence boundary, and the websocket session gateway.
package chat

import (
	"context"
	"sort"
	"strings"
	"time"

	v1 "supchat/contracts/chat/v1"
)

// Message is the canonical persisted message representation.
type Message struct {
	ID           string
	DiscussionID string
	SenderID     string
	Content      string
	Seq          int64
	Timestamp    time.Time
}

// Wire converts a stored message to its wire representation.
func (m Message) Wire() v1.Message {
	return v1.Message{
		ID:        m.ID,
		Sender:    m.SenderID,
		Content:   m.Content,
		Seq:       m.Seq,
		Timestamp: m.Timestamp,
	}
}

// Discussion is one durable conversation thread between a fixed
// participant set. At most one discussion exists per unordered set.
type Discussion struct {
	ID            string
	Participants  []string
	Messages      []Message
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	DiscussionID string
	SenderID     string
	Content      string
	Now          time.Time
}

// DiscussionStore is the durable persistence boundary for threads and
// messages.
//
// Requirements:
//   - FindOrCreate is idempotent per unordered participant set.
//   - AppendMessage is serialized per discussion: two concurrent appends
//     to the same discussion must not lose ordering.
//   - Message order read back equals append order, timestamps
//     non-decreasing.
//   - Read-after-write consistency within a single discussion.
//
// Implementations map failures to ErrDiscussionNotFound when the id does
// not resolve, and wrap everything else in ErrStoreUnavailable.
type DiscussionStore interface {
	// FindOrCreate returns the discussion for the participant set,
	// creating it with an empty message list when absent. The bool
	// reports whether a new discussion was created.
	FindOrCreate(ctx context.Context, participants []string) (Discussion, bool, error)
	// FindByID loads a discussion with its full message history.
	FindByID(ctx context.Context, id string) (Discussion, error)
	// AppendMessage durably appends a message, assigning its id, seq and
	// timestamp, and bumps the discussion's lastMessageAt.
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	// Close releases store resources.
	Close(ctx context.Context) error
}

// participantKey normalizes a participant set into the stable key that
// enforces "at most one discussion per unordered set": ids are deduped,
// sorted, and joined. An empty result means the input was unusable.
func participantKey(participants []string) (string, []string) {
	seen := make(map[string]struct{}, len(participants))
	norm := make([]string, 0, len(participants))
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		norm = append(norm, p)
	}
	if len(norm) < 2 {
		return "", nil
	}
	sort.Strings(norm)
	return strings.Join(norm, "|"), norm
}
