package chat

import (
	"context"
	"sort"
	"sync"

	v1 "supchat/contracts/chat/v1"
)

// IdentityProvider resolves user ids to display data. The messaging
// core never mutates identity; it only reads it for presence snapshots
// and routing display.
type IdentityProvider interface {
	// ResolveUser returns the display data for a single user id.
	ResolveUser(ctx context.Context, userID string) (v1.UserRef, error)
	// ListUsers returns the full user directory.
	ListUsers(ctx context.Context) ([]v1.UserRef, error)
}

// DirectoryRecorder is an optional extension implemented by providers
// that accept identity claims pushed by register events. The dev
// in-memory directory implements it; DB-backed providers do not, since
// there the directory is owned by the surrounding application.
type DirectoryRecorder interface {
	RecordUser(user v1.UserRef)
}

// StaticDirectory is an in-memory IdentityProvider for dev and tests.
// It learns users from register events via RecordUser.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]v1.UserRef
}

// NewStaticDirectory constructs an empty directory, optionally seeded.
func NewStaticDirectory(seed ...v1.UserRef) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]v1.UserRef, len(seed))}
	for _, u := range seed {
		if u.UserID != "" {
			d.users[u.UserID] = u
		}
	}
	return d
}

// RecordUser inserts or replaces a directory entry.
func (d *StaticDirectory) RecordUser(user v1.UserRef) {
	if user.UserID == "" {
		return
	}
	d.mu.Lock()
	d.users[user.UserID] = user
	d.mu.Unlock()
}

// ResolveUser returns the recorded entry, or a bare ref when unknown.
func (d *StaticDirectory) ResolveUser(_ context.Context, userID string) (v1.UserRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if u, ok := d.users[userID]; ok {
		return u, nil
	}
	return v1.UserRef{UserID: userID}, nil
}

// ListUsers returns all recorded entries, sorted by user id.
func (d *StaticDirectory) ListUsers(_ context.Context) ([]v1.UserRef, error) {
	d.mu.RLock()
	out := make([]v1.UserRef, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
