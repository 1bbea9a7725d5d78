package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "supchat/contracts/chat/v1"
)

// Router implements thread resolution, durable append, and live
// delivery. Durability precedes delivery: a message that cannot be
// persisted is never shown to anyone.
type Router struct {
	log      *slog.Logger
	store    DiscussionStore
	registry *Registry
	metrics  *Metrics
}

// NewRouter constructs a Router over store and registry.
func NewRouter(log *slog.Logger, store DiscussionStore, registry *Registry, metrics *Metrics) *Router {
	return &Router{
		log:      log,
		store:    store,
		registry: registry,
		metrics:  metrics,
	}
}

// InitializeChat finds the discussion between userID and targetUserID,
// creating it when absent. Idempotent: the same pair in either order
// always resolves to the same discussion. The returned discussion
// carries the full message history for the requesting connection only.
func (r *Router) InitializeChat(ctx context.Context, userID, targetUserID string) (Discussion, error) {
	userID = strings.TrimSpace(userID)
	targetUserID = strings.TrimSpace(targetUserID)
	if userID == "" || targetUserID == "" {
		return Discussion{}, fmt.Errorf("%w: missing userId or targetUserId", ErrInvalidMessage)
	}
	if userID == targetUserID {
		return Discussion{}, fmt.Errorf("%w: cannot open a discussion with yourself", ErrInvalidMessage)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	d, created, err := r.store.FindOrCreate(ctx, []string{userID, targetUserID})
	if err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			return Discussion{}, err
		}
		return Discussion{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	r.log.Info("router.chat.init",
		"discussion_id", d.ID,
		"user_id", userID,
		"target_user_id", targetUserID,
		"created", created,
		"messages", len(d.Messages),
	)
	return d, nil
}

// SendInput describes a sendMessage request after envelope decoding.
type SendInput struct {
	DiscussionID string
	SenderID     string
	RecipientID  string
	Content      string
}

// SendMessage validates, durably appends, and then forwards the message
// live when the recipient is registered. The returned bool reports live
// delivery; false means delivery is deferred to the recipient's next
// initializeChat. The append runs on a context detached from the
// sender's connection: a disconnect mid-send never aborts a started
// append.
func (r *Router) SendMessage(ctx context.Context, in SendInput) (Message, bool, error) {
	content := strings.TrimSpace(in.Content)
	switch {
	case content == "":
		return Message{}, false, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	case len([]rune(content)) > maxContentChars:
		return Message{}, false, fmt.Errorf("%w: content too long (max %d chars)", ErrInvalidMessage, maxContentChars)
	case strings.TrimSpace(in.DiscussionID) == "":
		return Message{}, false, fmt.Errorf("%w: missing discussionId", ErrInvalidMessage)
	case strings.TrimSpace(in.SenderID) == "":
		return Message{}, false, fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	msg, err := r.store.AppendMessage(appendCtx, AppendMessageInput{
		DiscussionID: in.DiscussionID,
		SenderID:     in.SenderID,
		Content:      content,
		Now:          time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrDiscussionNotFound) || errors.Is(err, ErrInvalidMessage) {
			return Message{}, false, err
		}
		return Message{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	delivered := false
	if recipient, ok := r.registry.Lookup(in.RecipientID); ok {
		payload, _ := json.Marshal(v1.MessageEventPayload{
			DiscussionID: msg.DiscussionID,
			Message:      msg.Wire(),
		})
		delivered = recipient.TryEnqueue(newEnvelope(v1.TypeReceiveMessage, payload, msg.Timestamp))
	}

	if delivered {
		r.metrics.ObserveDelivery("live")
	} else {
		r.metrics.ObserveDelivery("deferred")
	}

	r.log.Info("router.message.send",
		"discussion_id", msg.DiscussionID,
		"seq", msg.Seq,
		"sender", in.SenderID,
		"recipient", in.RecipientID,
		"live", delivered,
	)
	return msg, delivered, nil
}
