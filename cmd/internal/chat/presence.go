package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	v1 "supchat/contracts/chat/v1"
)

// PresenceBroadcaster keeps every connected client's view of "who is
// online" consistent. It is triggered after every successful register
// and every unregister; each broadcast carries the full current list
// (no delta encoding).
type PresenceBroadcaster struct {
	log      *slog.Logger
	registry *Registry
	identity IdentityProvider
	metrics  *Metrics
}

// NewPresenceBroadcaster constructs a broadcaster over registry.
func NewPresenceBroadcaster(log *slog.Logger, registry *Registry, identity IdentityProvider, metrics *Metrics) *PresenceBroadcaster {
	return &PresenceBroadcaster{
		log:      log,
		registry: registry,
		identity: identity,
		metrics:  metrics,
	}
}

// Refresh computes the current online-user list, resolves display data
// through the identity provider, and pushes a userList snapshot to all
// connected clients. Zero connected clients is a no-op. Fan-out is
// non-blocking: slow consumers are dropped rather than stalling the
// broadcast.
func (b *PresenceBroadcaster) Refresh(ctx context.Context) error {
	clients := b.registry.Clients()
	b.metrics.SetOnlineUsers(len(clients))

	if len(clients) == 0 {
		return nil
	}

	// Batch lookup against the identity provider; register claims act
	// as the fallback for users the directory does not know yet.
	directory, err := b.identity.ListUsers(ctx)
	if err != nil {
		b.log.Warn("presence.identity.fail", "err", err)
		return err
	}
	byID := make(map[string]v1.UserRef, len(directory))
	for _, u := range directory {
		byID[u.UserID] = u
	}

	list := make([]v1.UserRef, 0, len(clients))
	for _, c := range clients {
		ref := c.User()
		if ref.UserID == "" {
			continue
		}
		if u, ok := byID[ref.UserID]; ok {
			ref = u
		}
		list = append(list, ref)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })

	payload, _ := json.Marshal(v1.UserListPayload{Users: list})
	env := newEnvelope(v1.TypeUserList, payload, time.Now().UTC())

	dropped := 0
	for _, c := range clients {
		if !c.TryEnqueue(env) {
			dropped++
		}
	}

	b.log.Info("presence.broadcast", "online", len(list), "clients", len(clients), "dropped", dropped)
	return nil
}
