// Package main provides a CI-friendly WebSocket smoke test for the
// supchat realtime gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - register -> userList presence snapshot
//   - initializeChat -> chatInitialized with history
//   - sendMessage -> messageSent echo
//   - receiveMessage fanout to the connected recipient
//   - deferred delivery: messages sent while offline appear in the
//     history replayed on the next initializeChat
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "supchat/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "supchat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "First user id")
		userB   = flag.String("b", "smoke-bob", "Second user id")
		text    = flag.String("text", "hello supchat 👋", "Message content to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustRegister(root, a, *userA, *timeout)
	mustRegister(root, b, *userB, *timeout)

	// Both clients must converge on a presence snapshot listing both users.
	mustSeePresence(root, a, []string{*userA, *userB}, *timeout)
	mustSeePresence(root, b, []string{*userA, *userB}, *timeout)

	if *verbose {
		fmt.Printf("registered: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	discussionID, history := mustInitializeChat(root, a, *userB, *timeout)
	if *verbose {
		fmt.Printf("discussion: %s (history=%d)\n", discussionID, len(history))
	}

	// Both orderings of the pair must resolve to the same discussion.
	discussionIDB, _ := mustInitializeChat(root, b, *userA, *timeout)
	if discussionIDB != discussionID {
		fatalf("discussion id mismatch: A=%s B=%s", discussionID, discussionIDB)
	}

	sent := mustSendAndAssertEcho(root, a, discussionID, b.userID, *text, *timeout)
	mustAssertReceive(root, b, discussionID, sent, *timeout)

	// History replay must contain the message just sent.
	_, replay := mustInitializeChat(root, b, *userA, *timeout)
	if !historyContains(replay, sent) {
		fatalf("history replay missing message %s", sent.ID)
	}

	// Deferred delivery: disconnect B, send while offline, reconnect and
	// expect the message in the replayed history rather than live.
	closeWS(b.conn)

	deferredText := *text + " (while you were away)"
	deferred := mustSendAndAssertEcho(root, a, discussionID, *userB, deferredText, *timeout)

	b2 := mustConnect(root, "B2", *wsURL, *origin, *timeout)
	defer closeWS(b2.conn)
	mustRegister(root, b2, *userB, *timeout)

	_, afterReconnect := mustInitializeChat(root, b2, *userA, *timeout)
	if !historyContains(afterReconnect, deferred) {
		fatalf("deferred message %s missing from replayed history", deferred.ID)
	}
	if deferred.Seq != sent.Seq+1 {
		fatalf("seq gap: first=%d deferred=%d", sent.Seq, deferred.Seq)
	}

	fmt.Printf("OK: A=%s B=%s discussion=%s messages=%d last_seq=%d\n",
		a.userID, b2.userID, discussionID, len(afterReconnect), deferred.Seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustRegister(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeRegister,
		ID:   fmt.Sprintf("%s-register", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.RegisterPayload{
			UserID: userID,
			Name:   strings.TrimPrefix(userID, "smoke-"),
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	c.userID = userID

	// Registration is confirmed by the presence broadcast that follows.
	list := c.mustReadUntilType(parent, v1.TypeUserList, stepTimeout, nil)

	var p v1.UserListPayload
	if err := json.Unmarshal(list.Payload, &p); err != nil {
		fatalf("unmarshal userList payload (%s): %v", c.name, err)
	}
	if !userListContains(p, userID) {
		fatalf("userList after register missing %q (%s)", userID, c.name)
	}
}

func mustSeePresence(parent context.Context, c *smokeClient, userIDs []string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustReadUntilTypeCtx(ctx, v1.TypeUserList)

		var p v1.UserListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			fatalf("unmarshal userList payload (%s): %v", c.name, err)
		}

		all := true
		for _, id := range userIDs {
			if !userListContains(p, id) {
				all = false
				break
			}
		}
		if all {
			return
		}
		// Stale snapshot from an earlier broadcast; keep reading.
	}
}

func userListContains(p v1.UserListPayload, userID string) bool {
	for _, u := range p.Users {
		if u.UserID == userID {
			return true
		}
	}
	return false
}

func mustInitializeChat(parent context.Context, c *smokeClient, targetUserID string, stepTimeout time.Duration) (string, []v1.Message) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeInitializeChat,
		ID:   fmt.Sprintf("%s-init-%d", c.name, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.InitializeChatPayload{
			UserID:       c.userID,
			TargetUserID: targetUserID,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{
		v1.TypeUserList:       {},
		v1.TypeReceiveMessage: {},
	}
	reply := c.mustReadUntilType(parent, v1.TypeChatInitialized, stepTimeout, skip)

	var p v1.ChatInitializedPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		fatalf("unmarshal chatInitialized payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.DiscussionID) == "" {
		fatalf("chatInitialized missing discussionId (%s)", c.name)
	}
	return p.DiscussionID, p.Messages
}

func mustSendAndAssertEcho(parent context.Context, c *smokeClient, discussionID, toUserID, content string, stepTimeout time.Duration) v1.Message {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeSendMessage,
		ID:   fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.SendMessagePayload{
			DiscussionID: discussionID,
			From:         v1.UserRef{UserID: c.userID},
			To:           v1.UserRef{UserID: toUserID},
			Content:      content,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeUserList: {}}
	echo := c.mustReadUntilType(parent, v1.TypeMessageSent, stepTimeout, skip)

	var p v1.MessageEventPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal messageSent payload (%s): %v", c.name, err)
	}
	if p.DiscussionID != discussionID {
		fatalf("messageSent discussionId mismatch (%s): got=%q want=%q", c.name, p.DiscussionID, discussionID)
	}
	if p.Message.Sender != c.userID {
		fatalf("messageSent sender mismatch (%s): got=%q want=%q", c.name, p.Message.Sender, c.userID)
	}
	if p.Message.Content != content {
		fatalf("messageSent content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, content)
	}
	if p.Message.Seq <= 0 {
		fatalf("messageSent invalid seq (%s): %d", c.name, p.Message.Seq)
	}
	if p.Message.Timestamp.IsZero() {
		fatalf("messageSent timestamp missing/zero (%s)", c.name)
	}
	return p.Message
}

func mustAssertReceive(parent context.Context, c *smokeClient, discussionID string, want v1.Message, stepTimeout time.Duration) {
	skip := map[string]struct{}{v1.TypeUserList: {}}
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, skip)

	var p v1.MessageEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receiveMessage payload (%s): %v", c.name, err)
	}
	if p.DiscussionID != discussionID {
		fatalf("receiveMessage discussionId mismatch (%s): got=%q want=%q", c.name, p.DiscussionID, discussionID)
	}
	if p.Message.ID != want.ID {
		fatalf("receiveMessage id mismatch (%s): got=%q want=%q", c.name, p.Message.ID, want.ID)
	}
	if p.Message.Seq != want.Seq {
		fatalf("receiveMessage seq mismatch (%s): got=%d want=%d", c.name, p.Message.Seq, want.Seq)
	}
	if p.Message.Content != want.Content {
		fatalf("receiveMessage content mismatch (%s): got=%q want=%q", c.name, p.Message.Content, want.Content)
	}
}

func historyContains(history []v1.Message, want v1.Message) bool {
	for _, m := range history {
		if m.ID == want.ID && m.Seq == want.Seq && m.Content == want.Content {
			return true
		}
	}
	return false
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeChatError || env.Type == v1.TypeMessageError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): type=%q msg=%q", c.name, env.Type, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

// mustReadUntilTypeCtx is mustReadUntilType with a shared deadline across
// multiple reads, skipping every other type.
func (c *smokeClient) mustReadUntilTypeCtx(ctx context.Context, wantType string) v1.Envelope {
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeChatError || env.Type == v1.TypeMessageError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): type=%q msg=%q", c.name, env.Type, ep.Message)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
