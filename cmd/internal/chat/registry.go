package chat

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry is the authoritative in-memory map of "which users are
// currently reachable, and via which connection".
//
// Concurrency guarantees:
// - Register/Unregister are mutually exclusive.
// - Lookup/OnlineUsers/Clients return snapshots taken under the same lock.
//
// There is no persistence: after a process restart every user starts
// offline until their client reconnects and re-registers.
type Registry struct {
	log *slog.Logger

	mu     sync.Mutex
	byUser map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:    log,
		byUser: make(map[string]*Client),
	}
}

// Register inserts or replaces the entry for userID and returns the
// superseded client, if any. Last registration wins: a reconnect from a
// new tab takes over the user id and the previous connection is no
// longer reachable through the registry. Callers should close the
// returned client to avoid leaking an idle connection.
func (r *Registry) Register(userID string, c *Client) (prev *Client) {
	if userID == "" || c == nil {
		return nil
	}

	r.mu.Lock()
	prev = r.byUser[userID]
	if prev == c {
		prev = nil
	}
	r.byUser[userID] = c
	r.mu.Unlock()

	r.log.Info("registry.register", "user_id", userID, "session_id", c.SessionID, "superseded", prev != nil)
	return prev
}

// Unregister removes the entry held by this exact client. If the client
// never registered, or its entry was already superseded by a newer
// registration, this is a no-op: disconnect must never fail.
func (r *Registry) Unregister(c *Client) bool {
	if c == nil {
		return false
	}

	userID := c.UserID()
	if userID == "" {
		return false
	}

	r.mu.Lock()
	cur, ok := r.byUser[userID]
	if ok && cur == c {
		delete(r.byUser, userID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.log.Info("registry.unregister", "user_id", userID, "session_id", c.SessionID)
	}
	return ok
}

// Lookup returns the live connection for userID, if the user is online.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byUser[userID]
	return c, ok
}

// OnlineUsers returns the sorted ids of all currently registered users.
func (r *Registry) OnlineUsers() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Clients returns a snapshot of all registered connections, for fan-out.
func (r *Registry) Clients() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.byUser))
	for _, c := range r.byUser {
		out = append(out, c)
	}
	return out
}
