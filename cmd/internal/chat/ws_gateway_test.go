package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	v1 "supchat/contracts/chat/v1"
)

func newOriginRequest(origin string) *http.Request {
	r, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestClassifyReadErr(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want readErrKind
	}{
		{name: "canceled", err: context.Canceled, want: readErrCtxDone},
		{name: "deadline", err: context.DeadlineExceeded, want: readErrCtxDone},
		{name: "bad json", err: errors.New("invalid character 'x' looking for beginning of value"), want: readErrBadJSON},
		{name: "truncated json", err: errors.New("unexpected end of JSON input"), want: readErrBadJSON},
		{name: "unknown", err: errors.New("boom"), want: readErrUnknown},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyReadErr(tc.err); got != tc.want {
				t.Fatalf("classifyReadErr(%v)=%d want=%d", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: fmt.Errorf("%w: empty content", ErrInvalidMessage), want: "invalid_message"},
		{err: ErrDiscussionNotFound, want: "discussion_not_found"},
		{err: fmt.Errorf("%w: pg down", ErrStoreUnavailable), want: "store_unavailable"},
		{err: ErrIdentityUnavailable, want: "identity_unavailable"},
		{err: errors.New("boom"), want: "internal"},
	}

	for _, tc := range cases {
		if got := errCode(tc.err); got != tc.want {
			t.Fatalf("errCode(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}

func TestOriginHostOnly(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://localhost", want: "localhost"},
		{in: "http://Localhost:3000", want: "localhost"},
		{in: "https://app.example.edu", want: "app.example.edu"},
		{in: "app.example.edu:443", want: "app.example.edu"},
		{in: "app.example.edu", want: "app.example.edu"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		if got := originHostOnly(tc.in); got != tc.want {
			t.Fatalf("originHostOnly(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{
		"http://localhost",
		"http://localhost:3000",
		"https://supervise.example.edu",
		"*",
		"",
	})
	want := []string{"localhost", "supervise.example.edu"}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &WSGateway{
		originRequired: true,
		allowedOrigins: []string{"http://localhost", "https://supervise.example.edu"},
	}

	cases := []struct {
		name    string
		origin  string
		wantErr bool
	}{
		{name: "missing origin", origin: "", wantErr: true},
		{name: "exact match", origin: "http://localhost"},
		{name: "host match other port", origin: "http://localhost:3000"},
		{name: "allowed https host", origin: "https://supervise.example.edu"},
		{name: "unknown origin", origin: "https://evil.example.com", wantErr: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newOriginRequest(tc.origin)
			err := g.enforceOrigin(r)
			if tc.wantErr && err == nil {
				t.Fatalf("expected rejection for origin %q", tc.origin)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected rejection for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestEnvelopeHelpersProduceValidEnvelopes(t *testing.T) {
	t.Parallel()

	env := newEnvelope(v1.TypeUserList, []byte(`{"users":[]}`), time.Now().UTC())
	if err := env.Validate(); err != nil {
		t.Fatalf("newEnvelope produced invalid envelope: %v", err)
	}
	if env.ID == "" {
		t.Fatalf("envelope id missing")
	}
}

// lookupOnlyIdentity serves lookups without accepting directory records,
// the shape of a database-backed identity provider.
type lookupOnlyIdentity struct {
	known map[string]v1.UserRef
	err   error
}

func (p lookupOnlyIdentity) ResolveUser(_ context.Context, userID string) (v1.UserRef, error) {
	if p.err != nil {
		return v1.UserRef{}, p.err
	}
	if ref, ok := p.known[userID]; ok {
		return ref, nil
	}
	return v1.UserRef{UserID: userID}, nil
}

func (p lookupOnlyIdentity) ListUsers(context.Context) ([]v1.UserRef, error) {
	if p.err != nil {
		return nil, p.err
	}
	refs := make([]v1.UserRef, 0, len(p.known))
	for _, ref := range p.known {
		refs = append(refs, ref)
	}
	return refs, nil
}

func registerEnvelope(t *testing.T, p v1.RegisterPayload) v1.Envelope {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal register payload: %v", err)
	}
	return newEnvelope(v1.TypeRegister, b, time.Now().UTC())
}

func newRegisterGateway(ident IdentityProvider) (*WSGateway, *Registry) {
	reg := NewRegistry(testLogger())
	pb := NewPresenceBroadcaster(testLogger(), reg, ident, nil)
	return NewWSGateway(testLogger(), reg, pb, nil, ident, nil), reg
}

func TestRegisterAdoptsDirectoryRecord(t *testing.T) {
	ident := lookupOnlyIdentity{known: map[string]v1.UserRef{
		"9": {UserID: "9", Name: "Dr. Vance", Email: "vance@uni.edu"},
	}}
	g, reg := newRegisterGateway(ident)

	c := NewClient(MustULID(time.Now().UTC()), 8)
	g.onRegister(context.Background(), c, registerEnvelope(t, v1.RegisterPayload{
		UserID: "9", Name: "vance", Email: "v@elsewhere.example",
	}))

	got := c.User()
	if got.Name != "Dr. Vance" || got.Email != "vance@uni.edu" {
		t.Fatalf("bound user = %+v, want directory record to win over claims", got)
	}
	if cur, ok := reg.Lookup("9"); !ok || cur != c {
		t.Fatalf("client not registered under its user id")
	}
}

func TestRegisterKeepsClaimsWhenLookupFails(t *testing.T) {
	g, reg := newRegisterGateway(lookupOnlyIdentity{err: ErrIdentityUnavailable})

	c := NewClient(MustULID(time.Now().UTC()), 8)
	g.onRegister(context.Background(), c, registerEnvelope(t, v1.RegisterPayload{
		UserID: "9", Name: "vance",
	}))

	if got := c.User(); got.Name != "vance" {
		t.Fatalf("bound user = %+v, want self-reported claims kept", got)
	}
	if cur, ok := reg.Lookup("9"); !ok || cur != c {
		t.Fatalf("register must succeed even when the directory is down")
	}
}

func TestRegisterKeepsClaimsForUnknownUser(t *testing.T) {
	g, _ := newRegisterGateway(lookupOnlyIdentity{known: map[string]v1.UserRef{}})

	c := NewClient(MustULID(time.Now().UTC()), 8)
	g.onRegister(context.Background(), c, registerEnvelope(t, v1.RegisterPayload{
		UserID: "9", Name: "vance",
	}))

	if got := c.User(); got.Name != "vance" {
		t.Fatalf("bound user = %+v, want claims kept when the directory has no record", got)
	}
}
