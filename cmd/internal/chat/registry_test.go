package chat

import (
	"log/slog"
	"testing"
	"time"

	v1 "supchat/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func boundClient(t *testing.T, userID string) *Client {
	t.Helper()
	c := NewClient(MustULID(time.Now().UTC()), 8)
	c.Bind(v1.UserRef{UserID: userID, Name: "user " + userID})
	return c
}

func TestRegistryPresence(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	a := boundClient(t, "1")
	b := boundClient(t, "2")

	if prev := r.Register("1", a); prev != nil {
		t.Fatalf("unexpected superseded client on first register")
	}
	r.Register("2", b)

	got := r.OnlineUsers()
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("OnlineUsers=%v, want [1 2]", got)
	}

	if c, ok := r.Lookup("1"); !ok || c != a {
		t.Fatalf("Lookup(1) did not return a's client")
	}

	if !r.Unregister(a) {
		t.Fatalf("Unregister of registered client should report true")
	}
	if _, ok := r.Lookup("1"); ok {
		t.Fatalf("user 1 still online after unregister")
	}
	if got := r.OnlineUsers(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("OnlineUsers=%v, want [2]", got)
	}
}

func TestRegistryLastRegistrationWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	first := boundClient(t, "7")
	second := boundClient(t, "7")

	r.Register("7", first)
	prev := r.Register("7", second)
	if prev != first {
		t.Fatalf("expected first client to be superseded")
	}

	if c, _ := r.Lookup("7"); c != second {
		t.Fatalf("Lookup returned superseded handle")
	}

	// The superseded connection disconnecting later must not evict the
	// newer registration.
	if r.Unregister(first) {
		t.Fatalf("Unregister of superseded client should be a no-op")
	}
	if c, ok := r.Lookup("7"); !ok || c != second {
		t.Fatalf("newer registration lost after stale unregister")
	}
}

func TestRegistryUnregisterUnknownIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	// Disconnect before register completed: client has no bound user.
	anon := NewClient("s-anon", 8)
	if r.Unregister(anon) {
		t.Fatalf("Unregister of anonymous client should be a no-op")
	}

	// Bound but never registered.
	ghost := boundClient(t, "99")
	if r.Unregister(ghost) {
		t.Fatalf("Unregister of never-registered client should be a no-op")
	}
}
