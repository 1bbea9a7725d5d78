// Package v1 defines the supchat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeRegister binds a connection to a user identity (client -> server).
	TypeRegister = "register"
	// TypeUserList broadcasts the current presence snapshot (server -> all clients).
	TypeUserList = "userList"

	// TypeInitializeChat resolves or creates a discussion thread (client -> server).
	TypeInitializeChat = "initializeChat"
	// TypeChatInitialized returns the thread id and its history (server -> requester only).
	TypeChatInitialized = "chatInitialized"

	// TypeSendMessage requests a durable append plus live delivery (client -> server).
	TypeSendMessage = "sendMessage"
	// TypeMessageSent confirms a persisted message to its sender (server -> sender).
	TypeMessageSent = "messageSent"
	// TypeReceiveMessage delivers a message live to a connected recipient (server -> recipient).
	TypeReceiveMessage = "receiveMessage"

	// TypeChatError reports a failed register/initializeChat (server -> originator only).
	TypeChatError = "chatError"
	// TypeMessageError reports a failed sendMessage (server -> originator only).
	TypeMessageError = "messageError"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeUserList,
		TypeInitializeChat,
		TypeChatInitialized,
		TypeSendMessage,
		TypeMessageSent,
		TypeReceiveMessage,
		TypeChatError,
		TypeMessageError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// UserRef identifies a user for display and routing.
// It is owned by the identity provider; the messaging core only reads it.
type UserRef struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// RegisterPayload carries the identity claims that bind a connection to a user.
type RegisterPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

// UserListPayload is the full presence snapshot, ordered by user id.
type UserListPayload struct {
	Users []UserRef `json:"users"`
}

// InitializeChatPayload requests the discussion thread between two users.
type InitializeChatPayload struct {
	UserID       string `json:"userId"`
	TargetUserID string `json:"targetUserId"`
}

// Message is a single persisted chat utterance.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatInitializedPayload answers an initializeChat request with the full history.
type ChatInitializedPayload struct {
	DiscussionID string    `json:"discussionId"`
	Messages     []Message `json:"messages"`
}

// SendMessagePayload requests appending a message to a discussion.
type SendMessagePayload struct {
	DiscussionID string  `json:"discussionId"`
	From         UserRef `json:"from"`
	To           UserRef `json:"to"`
	Content      string  `json:"content"`
}

// MessageEventPayload carries a persisted message, used by both the
// messageSent echo and the receiveMessage live delivery.
type MessageEventPayload struct {
	DiscussionID string  `json:"discussionId"`
	Message      Message `json:"message"`
}

// ErrorPayload is the body of chatError and messageError events.
type ErrorPayload struct {
	Message string `json:"message"`
}
