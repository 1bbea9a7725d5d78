package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "supchat/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "supchat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the websocket entrypoint and per-connection session
// lifecycle manager. Each connection walks anonymous -> registered ->
// disconnected; a reconnect is always a brand-new connection that must
// re-run register.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and routes validated envelopes to the Registry, Presence
// Broadcaster and Message Router.
type WSGateway struct {
	log      *slog.Logger
	registry *Registry
	presence *PresenceBroadcaster
	router   *Router
	identity IdentityProvider
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, registry *Registry, presence *PresenceBroadcaster, router *Router, identity IdentityProvider, metrics *Metrics) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{
		log:      log,
		registry: registry,
		presence: presence,
		router:   router,
		identity: identity,
		metrics:  metrics,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("SUPCHAT_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("SUPCHAT_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("SUPCHAT_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy: same-host is ok,
	// cross-origin requires OriginPatterns (host patterns). These are
	// derived from the allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("SUPCHAT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("SUPCHAT_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("SUPCHAT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("SUPCHAT_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("SUPCHAT_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("SUPCHAT_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("SUPCHAT_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the
// realtime loop until the connection closes.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := MustULID(time.Now().UTC())
	client := NewClient(sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Unregister is a silent no-op when the connection never registered
	// or was superseded; disconnect must never fail.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			if g.registry.Unregister(client) {
				refreshCtx, refreshCancel := context.WithTimeout(context.Background(), storeTimeout)
				if err := g.presence.Refresh(refreshCtx); err != nil {
					g.log.Warn("ws.presence.refresh.fail", "session_id", sessionID, "err", err)
				}
				refreshCancel()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				// Covers both local shutdown and being superseded by a
				// newer registration for the same user.
				shutdown(websocket.StatusGoingAway, "session closed")
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(client, v1.TypeChatError, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(client, v1.TypeChatError, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(client, v1.TypeChatError, "bad_envelope", err.Error())
			continue readLoop
		}

		g.metrics.ObserveEvent(env.Type)

		switch env.Type {
		case v1.TypeRegister:
			g.onRegister(ctx, client, env)

		case v1.TypeInitializeChat:
			g.onInitializeChat(ctx, client, env)

		case v1.TypeSendMessage:
			g.onSendMessage(ctx, client, env)

		default:
			g.trySendError(client, v1.TypeChatError, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

// onRegister binds the connection to a user identity and triggers a
// presence broadcast. Last registration wins: a previous connection for
// the same user is superseded and explicitly closed so it does not
// linger as an idle socket.
func (g *WSGateway) onRegister(ctx context.Context, client *Client, env v1.Envelope) {
	var p v1.RegisterPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, v1.TypeChatError, "bad_payload", "invalid register payload")
		return
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		g.trySendError(client, v1.TypeChatError, "bad_payload", "missing userId")
		return
	}

	// Re-register under a different identity releases the old entry first.
	if cur := client.UserID(); cur != "" && cur != userID {
		g.registry.Unregister(client)
	}

	claims := v1.UserRef{UserID: userID, Name: strings.TrimSpace(p.Name), Email: strings.TrimSpace(p.Email)}
	client.Bind(claims)

	if rec, ok := g.identity.(DirectoryRecorder); ok {
		rec.RecordUser(claims)
	}

	// The directory is the source of truth for display fields. Adopt its
	// record over the self-reported claims when it knows the user; lookup
	// failure or an unknown user keeps the claims, never blocks register.
	resolveCtx, resolveCancel := context.WithTimeout(ctx, storeTimeout)
	ref, err := g.identity.ResolveUser(resolveCtx, userID)
	resolveCancel()
	if err == nil && ref.UserID == userID && ref.Name != "" {
		client.Bind(ref)
	}

	if prev := g.registry.Register(userID, client); prev != nil {
		prev.Close()
	}

	g.log.Info("ws.session.register", "session_id", client.SessionID, "user_id", userID)

	if err := g.presence.Refresh(ctx); err != nil {
		g.trySendError(client, v1.TypeChatError, "identity_unavailable", "presence lookup failed")
	}
}

// onInitializeChat resolves or lazily creates the discussion between the
// bound user and the target, and returns its full history to the
// requesting connection only.
func (g *WSGateway) onInitializeChat(ctx context.Context, client *Client, env v1.Envelope) {
	userID := client.UserID()
	if userID == "" {
		g.trySendError(client, v1.TypeChatError, "not_registered", "register first")
		return
	}

	var p v1.InitializeChatPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, v1.TypeChatError, "bad_payload", "invalid initializeChat payload")
		return
	}

	d, err := g.router.InitializeChat(ctx, userID, p.TargetUserID)
	if err != nil {
		g.trySendError(client, v1.TypeChatError, errCode(err), err.Error())
		return
	}

	msgs := make([]v1.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		msgs = append(msgs, m.Wire())
	}

	payload, _ := json.Marshal(v1.ChatInitializedPayload{
		DiscussionID: d.ID,
		Messages:     msgs,
	})
	if !client.TryEnqueue(newEnvelope(v1.TypeChatInitialized, payload, time.Now().UTC())) {
		g.log.Info("ws.enqueue.drop", "session_id", client.SessionID, "type", v1.TypeChatInitialized)
	}
}

// onSendMessage appends durably and forwards live. The echo to the
// sender is enqueued only after the append succeeded; when the sender is
// already gone the echo is skipped, the append stands.
func (g *WSGateway) onSendMessage(ctx context.Context, client *Client, env v1.Envelope) {
	senderID := client.UserID()
	if senderID == "" {
		g.trySendError(client, v1.TypeMessageError, "not_registered", "register first")
		return
	}

	var p v1.SendMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(client, v1.TypeMessageError, "bad_payload", "invalid sendMessage payload")
		return
	}

	msg, _, err := g.router.SendMessage(ctx, SendInput{
		DiscussionID: p.DiscussionID,
		SenderID:     senderID,
		RecipientID:  p.To.UserID,
		Content:      p.Content,
	})
	if err != nil {
		g.trySendError(client, v1.TypeMessageError, errCode(err), err.Error())
		return
	}

	payload, _ := json.Marshal(v1.MessageEventPayload{
		DiscussionID: msg.DiscussionID,
		Message:      msg.Wire(),
	})
	if !client.TryEnqueue(newEnvelope(v1.TypeMessageSent, payload, msg.Timestamp)) {
		g.log.Info("ws.enqueue.drop", "session_id", client.SessionID, "type", v1.TypeMessageSent)
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(client *Client, typ, code, msg string) {
	g.metrics.ObserveError(code)

	p, _ := json.Marshal(v1.ErrorPayload{Message: msg})
	_ = client.TryEnqueue(newEnvelope(typ, p, time.Now().UTC()))
}

// errCode maps sentinel errors to stable error-counter codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrDiscussionNotFound):
		return "discussion_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrIdentityUnavailable):
		return "identity_unavailable"
	default:
		return "internal"
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
