package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/token"
)

type fakeControl struct {
	mu     sync.Mutex
	events []string
	closed bool
	onSend func(event string, args ...any)
}

func (f *fakeControl) Send(event string, args ...any) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(event, args...)
	}
	return nil
}

func (f *fakeControl) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeControl) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T, timeout time.Duration) (*Registry, *token.MemoryService) {
	t.Helper()
	tokens := token.NewMemoryService(map[string]token.Record{
		"a.aio": {Token: "secret-a", Status: token.StatusActive},
		"b.aio": {Token: "secret-b", Status: token.StatusActive},
		"c.aio": {Token: "secret-c", Status: token.StatusInactive},
		"d.aio": {Token: "secret-d", Status: token.StatusActive, Machine: "m-d"},
	})
	return NewRegistry(Options{Tokens: tokens, LivenessTimeout: timeout}), tokens
}

func authReq(agent, tok, machine string, servers ...string) protocol.AuthRequest {
	return protocol.AuthRequest{Agent: agent, Token: tok, Machine: machine, Servers: servers}
}

func TestAuthenticateRejections(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	cases := []struct {
		name string
		req  protocol.AuthRequest
		code string
	}{
		{"missing agent", authReq("", "x", "m"), domain.CodeMissingField},
		{"missing token", authReq("a.aio", "", "m"), domain.CodeMissingField},
		{"missing machine", authReq("a.aio", "secret-a", ""), domain.CodeMissingField},
		{"unknown agent", authReq("z.aio", "x", "m"), domain.CodeInvalidToken},
		{"wrong token", authReq("a.aio", "nope", "m"), domain.CodeInvalidToken},
		{"inactive", authReq("c.aio", "secret-c", "m"), domain.CodeInactiveToken},
		{"machine mismatch", authReq("d.aio", "secret-d", "other"), domain.CodeMachineMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Authenticate(ctx, tc.req, &fakeControl{})
			require.Error(t, err)
			assert.True(t, domain.IsAuth(err))
			assert.Equal(t, tc.code, domain.CodeOf(err))
		})
	}
	assert.Empty(t, reg.Online())
}

func TestAuthenticateLinksMachineOnFirstSuccess(t *testing.T) {
	reg, tokens := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	sess, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), &fakeControl{})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Referer)
	assert.Equal(t, domain.StatusAuthenticated, sess.Status())

	rec, err := tokens.TokenOf(ctx, "a.aio")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.Machine)

	require.True(t, reg.Remove(sess))
	_, err = reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m2"), &fakeControl{})
	assert.Equal(t, domain.CodeMachineMismatch, domain.CodeOf(err))
}

func TestDuplicateSessionWithEchoRejectsNewcomer(t *testing.T) {
	reg, _ := newTestRegistry(t, 2*time.Second)
	ctx := context.Background()

	oldCtl := &fakeControl{}
	old, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), oldCtl)
	require.NoError(t, err)

	oldCtl.mu.Lock()
	oldCtl.onSend = func(event string, args ...any) {
		if event != protocol.EventIsAlive {
			return
		}
		p := args[0].(protocol.Probe)
		go old.Echo(protocol.Probe{Code: p.Code, Referer: old.Referer})
	}
	oldCtl.mu.Unlock()

	_, err = reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), &fakeControl{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateSession, domain.CodeOf(err))
	assert.Same(t, old, reg.Lookup("a.aio"))
	assert.False(t, oldCtl.isClosed())
}

func TestDuplicateSessionWithoutEchoEvictsOld(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	oldCtl := &fakeControl{}
	old, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), oldCtl)
	require.NoError(t, err)

	fresh, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), &fakeControl{})
	require.NoError(t, err)

	assert.NotEqual(t, old.Referer, fresh.Referer)
	assert.Same(t, fresh, reg.Lookup("a.aio"))
	assert.True(t, oldCtl.isClosed())
	assert.Contains(t, oldCtl.events, protocol.EventIsAlive)
	assert.False(t, reg.Remove(old), "evicted session is no longer registered")
}

func TestDuplicateSessionMismatchedEchoEvictsOld(t *testing.T) {
	reg, _ := newTestRegistry(t, 100*time.Millisecond)
	ctx := context.Background()

	oldCtl := &fakeControl{}
	old, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), oldCtl)
	require.NoError(t, err)

	echoed := make(chan bool, 1)
	oldCtl.mu.Lock()
	oldCtl.onSend = func(event string, args ...any) {
		p := args[0].(protocol.Probe)
		go func() { echoed <- old.Echo(protocol.Probe{Code: p.Code, Referer: "stale-referer"}) }()
	}
	oldCtl.mu.Unlock()

	fresh, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1"), &fakeControl{})
	require.NoError(t, err)
	assert.False(t, <-echoed)
	assert.Same(t, fresh, reg.Lookup("a.aio"))
	assert.True(t, oldCtl.isClosed())
}

func TestValidate(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	sess, err := reg.Authenticate(context.Background(), authReq("a.aio", "secret-a", "m1"), &fakeControl{})
	require.NoError(t, err)

	got, err := reg.Validate(sess.Identity(), "a.aio")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	bad := []struct {
		id     domain.Identity
		origin string
	}{
		{domain.Identity{ID: "a.aio", Referer: "wrong", Machine: "m1"}, "a.aio"},
		{domain.Identity{ID: "a.aio", Referer: sess.Referer, Machine: "m2"}, "a.aio"},
		{sess.Identity(), "b.aio"},
		{domain.Identity{ID: "b.aio", Referer: sess.Referer, Machine: "m1"}, "b.aio"},
	}
	for _, tc := range bad {
		_, err := reg.Validate(tc.id, tc.origin)
		assert.Equal(t, domain.CodeUnauthorized, domain.CodeOf(err))
	}
}

func TestAvailableAndWatchers(t *testing.T) {
	reg, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	a, err := reg.Authenticate(ctx, authReq("a.aio", "secret-a", "m1", "*"), &fakeControl{})
	require.NoError(t, err)
	b, err := reg.Authenticate(ctx, authReq("b.aio", "secret-b", "m2", "c.aio"), &fakeControl{})
	require.NoError(t, err)

	assert.Equal(t, []string{"b.aio"}, reg.Available(a))
	assert.Empty(t, reg.Available(b))

	watchers := reg.Watchers(b)
	require.Len(t, watchers, 1)
	assert.Same(t, a, watchers[0])
	assert.Empty(t, reg.Watchers(a))
}
