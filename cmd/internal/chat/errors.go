package chat

import "errors"

// Sentinel errors of the messaging core. All of them are recoverable:
// they are reported to the originating connection only and never
// terminate the connection or the process.
var (
	// ErrInvalidMessage rejects a send with empty or oversized content.
	ErrInvalidMessage = errors.New("chat: invalid message")

	// ErrDiscussionNotFound rejects a stale or forged discussion id.
	ErrDiscussionNotFound = errors.New("chat: discussion not found")

	// ErrStoreUnavailable reports a failed durable append or read.
	ErrStoreUnavailable = errors.New("chat: discussion store unavailable")

	// ErrIdentityUnavailable reports a failed presence lookup.
	ErrIdentityUnavailable = errors.New("chat: identity provider unavailable")
)
