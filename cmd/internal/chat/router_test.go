package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	v1 "supchat/contracts/chat/v1"
)

// failingStore simulates an unavailable durable backend.
type failingStore struct{ err error }

func (f failingStore) FindOrCreate(context.Context, []string) (Discussion, bool, error) {
	return Discussion{}, false, f.err
}
func (f failingStore) FindByID(context.Context, string) (Discussion, error) {
	return Discussion{}, f.err
}
func (f failingStore) AppendMessage(context.Context, AppendMessageInput) (Message, error) {
	return Message{}, f.err
}
func (f failingStore) Close(context.Context) error { return nil }

func newTestRouter(t *testing.T, store DiscussionStore) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry(testLogger())
	return NewRouter(testLogger(), store, reg, nil), reg
}

func drainOne(t *testing.T, c *Client) v1.Envelope {
	t.Helper()
	select {
	case env := <-c.Send:
		return env
	default:
		t.Fatalf("expected an envelope queued for session %s", c.SessionID)
		return v1.Envelope{}
	}
}

func TestRouterSendMessageLiveDelivery(t *testing.T) {
	t.Parallel()

	router, reg := newTestRouter(t, NewInMemoryStore())
	ctx := context.Background()

	recipient := boundClient(t, "2")
	reg.Register("2", recipient)

	d, err := router.InitializeChat(ctx, "1", "2")
	if err != nil {
		t.Fatalf("InitializeChat: %v", err)
	}

	msg, live, err := router.SendMessage(ctx, SendInput{
		DiscussionID: d.ID,
		SenderID:     "1",
		RecipientID:  "2",
		Content:      "hi",
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !live {
		t.Fatalf("expected live delivery to a registered recipient")
	}
	if msg.Seq != 1 || msg.SenderID != "1" {
		t.Fatalf("stored message wrong: %+v", msg)
	}

	env := drainOne(t, recipient)
	if env.Type != v1.TypeReceiveMessage {
		t.Fatalf("recipient got %q, want receiveMessage", env.Type)
	}
	var p v1.MessageEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.DiscussionID != d.ID || p.Message.Content != "hi" || p.Message.Sender != "1" {
		t.Fatalf("payload mismatch: %+v", p)
	}
}

func TestRouterSendMessageDeferredWhenOffline(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, NewInMemoryStore())
	ctx := context.Background()

	d, err := router.InitializeChat(ctx, "1", "2")
	if err != nil {
		t.Fatalf("InitializeChat: %v", err)
	}

	_, live, err := router.SendMessage(ctx, SendInput{
		DiscussionID: d.ID,
		SenderID:     "1",
		RecipientID:  "2",
		Content:      "are you there?",
	})
	if err != nil {
		t.Fatalf("SendMessage to offline recipient must not fail: %v", err)
	}
	if live {
		t.Fatalf("delivery must be deferred for an offline recipient")
	}

	// Durability over liveness: the recipient sees the message on their
	// next initializeChat for the thread.
	got, err := router.InitializeChat(ctx, "2", "1")
	if err != nil {
		t.Fatalf("recipient InitializeChat: %v", err)
	}
	if got.ID != d.ID {
		t.Fatalf("recipient resolved a different discussion")
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "are you there?" {
		t.Fatalf("deferred message missing from history: %+v", got.Messages)
	}
}

func TestRouterSendMessageValidation(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, NewInMemoryStore())
	ctx := context.Background()

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{name: "empty content", in: SendInput{DiscussionID: "d", SenderID: "1", RecipientID: "2", Content: "  "}, want: ErrInvalidMessage},
		{name: "missing discussion id", in: SendInput{SenderID: "1", RecipientID: "2", Content: "hi"}, want: ErrInvalidMessage},
		{name: "unknown discussion", in: SendInput{DiscussionID: "forged", SenderID: "1", RecipientID: "2", Content: "hi"}, want: ErrDiscussionNotFound},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := router.SendMessage(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestRouterFailClosedOnStoreFailure(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("backend down")
	router, reg := newTestRouter(t, failingStore{err: storeErr})
	ctx := context.Background()

	recipient := boundClient(t, "2")
	reg.Register("2", recipient)

	_, live, err := router.SendMessage(ctx, SendInput{
		DiscussionID: "d",
		SenderID:     "1",
		RecipientID:  "2",
		Content:      "hi",
	})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	if live {
		t.Fatalf("no delivery may be reported when the append failed")
	}

	// Fail closed: nothing was forwarded to the recipient.
	select {
	case env := <-recipient.Send:
		t.Fatalf("recipient received %q despite append failure", env.Type)
	default:
	}

	if _, err := router.InitializeChat(ctx, "1", "2"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("InitializeChat: got %v, want ErrStoreUnavailable", err)
	}
}

func TestRouterInitializeChatValidation(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, NewInMemoryStore())
	ctx := context.Background()

	if _, err := router.InitializeChat(ctx, "1", ""); err == nil {
		t.Fatalf("missing target must be rejected")
	}
	if _, err := router.InitializeChat(ctx, "1", "1"); err == nil {
		t.Fatalf("self-discussion must be rejected")
	}
}

// TestRouterScenario walks the end-to-end exchange: register, init,
// live send, disconnect, deferred send, reconnect and replay.
func TestRouterScenario(t *testing.T) {
	t.Parallel()

	router, reg := newTestRouter(t, NewInMemoryStore())
	ctx := context.Background()

	a := boundClient(t, "1")
	b := boundClient(t, "2")
	reg.Register("1", a)
	reg.Register("2", b)

	d, err := router.InitializeChat(ctx, "1", "2")
	if err != nil {
		t.Fatalf("InitializeChat: %v", err)
	}
	if len(d.Messages) != 0 {
		t.Fatalf("fresh thread must be empty")
	}

	if _, live, err := router.SendMessage(ctx, SendInput{DiscussionID: d.ID, SenderID: "1", RecipientID: "2", Content: "hi"}); err != nil || !live {
		t.Fatalf("first send: live=%v err=%v", live, err)
	}
	if env := drainOne(t, b); env.Type != v1.TypeReceiveMessage {
		t.Fatalf("B got %q, want receiveMessage", env.Type)
	}

	// B disconnects.
	reg.Unregister(b)
	b.Close()

	if _, live, err := router.SendMessage(ctx, SendInput{DiscussionID: d.ID, SenderID: "1", RecipientID: "2", Content: "are you there?"}); err != nil || live {
		t.Fatalf("second send: live=%v err=%v, want deferred success", live, err)
	}

	// B reconnects and replays the thread.
	b2 := boundClient(t, "2")
	reg.Register("2", b2)

	got, err := router.InitializeChat(ctx, "2", "1")
	if err != nil {
		t.Fatalf("reconnect InitializeChat: %v", err)
	}
	if got.ID != d.ID {
		t.Fatalf("reconnect resolved a different thread")
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Content != "hi" || got.Messages[1].Content != "are you there?" {
		t.Fatalf("history out of order: %+v", got.Messages)
	}
}
