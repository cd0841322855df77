package broker

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/session"
	"github.com/polisai/polis-relay/pkg/telemetry"
	"github.com/polisai/polis-relay/pkg/token"
)

const testToken = "secret"

type harness struct {
	broker    *Broker
	auth      string
	requester string
	response  string
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	tokens := token.NewMemoryService(map[string]token.Record{
		"a.aio": {Token: testToken, Status: token.StatusActive},
		"b.aio": {Token: testToken, Status: token.StatusActive},
		"c.aio": {Token: testToken, Status: token.StatusActive},
	})
	opts := Options{
		Sessions:         session.NewRegistry(session.Options{Tokens: tokens, LivenessTimeout: 100 * time.Millisecond}),
		HandshakeTimeout: 2 * time.Second,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	b := New(opts)

	listen := func() net.Listener {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		return ln
	}
	auth, req, resp := listen(), listen(), listen()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, auth, req, resp) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})

	return &harness{
		broker:    b,
		auth:      auth.Addr().String(),
		requester: req.Addr().String(),
		response:  resp.Addr().String(),
	}
}

type testAgent struct {
	id     string
	conn   net.Conn
	codec  *protocol.Codec
	result protocol.AuthResult
}

func (a *testAgent) identity() protocol.RedirectDescriptor {
	return protocol.RedirectDescriptor{
		AuthReferer: a.result.Referer,
		AuthID:      a.id,
		Origin:      a.id,
		Machine:     "machine-" + a.id,
	}
}

// expect reads control events until one named event arrives.
func (a *testAgent) expect(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	require.NoError(t, a.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	defer a.conn.SetReadDeadline(time.Time{})
	for {
		env, err := a.codec.ReadEnvelope()
		require.NoError(t, err, "waiting for %s", event)
		if env.EventName == event {
			return env
		}
	}
}

func dial(t *testing.T, addr string) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, protocol.NewCodec(conn)
}

func (h *harness) authRaw(t *testing.T, id string, servers ...string) (net.Conn, *protocol.Codec, protocol.Envelope) {
	t.Helper()
	conn, codec := dial(t, h.auth)
	require.NoError(t, codec.Send(protocol.EventAuth, protocol.AuthRequest{
		Agent:   id,
		Token:   testToken,
		Servers: servers,
		Machine: "machine-" + id,
	}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return conn, codec, env
}

func (h *harness) connect(t *testing.T, id string, servers ...string) *testAgent {
	t.Helper()
	conn, codec, env := h.authRaw(t, id, servers...)
	require.Equal(t, protocol.EventAuthResult, env.EventName)
	a := &testAgent{id: id, conn: conn, codec: codec}
	require.NoError(t, env.Arg(0, &a.result))
	return a
}

func (h *harness) offer(t *testing.T, a *testAgent, app string, grants []string, slotID string) (net.Conn, *protocol.Codec) {
	t.Helper()
	conn, codec := dial(t, h.response)
	desc := a.identity()
	desc.Server = a.id
	desc.App = app
	require.NoError(t, codec.WriteJSON(protocol.OfferDescriptor{RedirectDescriptor: desc, Grants: grants, SlotID: slotID}))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.EventAccepted, env.EventName)
	return conn, codec
}

func (h *harness) redirect(t *testing.T, desc protocol.RedirectDescriptor) (net.Conn, *protocol.Codec, protocol.Envelope) {
	t.Helper()
	conn, codec := dial(t, h.requester)
	require.NoError(t, codec.WriteJSON(desc))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return conn, codec, env
}

func redirectTo(a *testAgent, server, app string) protocol.RedirectDescriptor {
	desc := a.identity()
	desc.Server = server
	desc.App = app
	return desc
}

func readN(t *testing.T, conn net.Conn, r io.Reader, n int) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf)
}

func rejectionOf(t *testing.T, env protocol.Envelope) protocol.Rejection {
	t.Helper()
	require.Equal(t, protocol.EventRejected, env.EventName)
	var rej protocol.Rejection
	require.NoError(t, env.Arg(0, &rej))
	return rej
}

func TestEndToEndAnchorsRequesterWithOfferedGetaway(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	assert.Equal(t, []string{"a.aio"}, b.result.AvailableServers)

	opened := a.expect(t, protocol.EventRemoteServerOpen)
	var ev protocol.ServerEvent
	require.NoError(t, opened.Arg(0, &ev))
	assert.Equal(t, "b.aio", ev.Server)

	slotConn, slotCodec := h.offer(t, a, "web", []string{"*"}, "slot-1")
	pair := domain.Pair{Server: "a.aio", Application: "web"}
	free, _ := h.broker.Stats(pair)
	assert.Equal(t, 1, free)

	reqConn, reqCodec, env := h.redirect(t, redirectTo(b, "a.aio", "web"))
	require.Equal(t, protocol.EventAccepted, env.EventName)
	_, err := reqConn.Write([]byte("hello"))
	require.NoError(t, err)

	busy := a.expect(t, protocol.EventBusy)
	var be protocol.BusyEvent
	require.NoError(t, busy.Arg(0, &be))
	assert.Equal(t, protocol.BusyEvent{App: "web", SlotID: "slot-1"}, be)

	anchored, err := slotCodec.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.EventAnchored, anchored.EventName)
	require.NoError(t, anchored.Arg(0, &ev))
	assert.Equal(t, "b.aio", ev.Server)

	assert.Equal(t, "hello", readN(t, slotConn, slotCodec.Reader(), 5))
	_, err = slotConn.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", readN(t, reqConn, reqCodec.Reader(), 5))

	free, waiting := h.broker.Stats(pair)
	assert.Zero(t, free)
	assert.Zero(t, waiting)

	slotConn.Close()
	require.NoError(t, reqConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err = reqCodec.Reader().ReadByte()
	assert.Error(t, err, "closing one side ends the other")
}

func TestGrantEnforcementRejectsUnlistedOrigin(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	h.offer(t, a, "web", []string{"c.aio"}, "slot-1")

	_, _, env := h.redirect(t, redirectTo(b, "a.aio", "web"))
	rej := rejectionOf(t, env)
	assert.Equal(t, domain.CodePermissionDenied, rej.Code)
	assert.True(t, domain.IsPermission(rej.Err()))

	free, waiting := h.broker.Stats(domain.Pair{Server: "a.aio", Application: "web"})
	assert.Equal(t, 1, free, "no anchor occurred")
	assert.Zero(t, waiting)
}

func TestParkedRequesterGetsNextOffer(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	pair := domain.Pair{Server: "a.aio", Application: "web"}

	// The first offer registers the application; consume it.
	h.offer(t, a, "web", []string{"b.aio"}, "slot-1")
	_, _, env := h.redirect(t, redirectTo(b, "a.aio", "web"))
	require.Equal(t, protocol.EventAccepted, env.EventName)
	a.expect(t, protocol.EventBusy)

	reqConn, reqCodec, env := h.redirect(t, redirectTo(b, "a.aio", "web"))
	require.Equal(t, protocol.EventAccepted, env.EventName)
	need := a.expect(t, protocol.EventNeedGetaway)
	var ng protocol.NeedGetaway
	require.NoError(t, need.Arg(0, &ng))
	assert.Equal(t, "web", ng.App)

	require.Eventually(t, func() bool {
		_, waiting := h.broker.Stats(pair)
		return waiting == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := reqConn.Write([]byte("early"))
	require.NoError(t, err)

	slotConn, slotCodec := h.offer(t, a, "web", []string{"b.aio"}, "slot-2")
	anchored, err := slotCodec.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.EventAnchored, anchored.EventName)
	assert.Equal(t, "early", readN(t, slotConn, slotCodec.Reader(), 5))

	_, err = slotConn.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, "ok", readN(t, reqConn, reqCodec.Reader(), 2))

	free, waiting := h.broker.Stats(pair)
	assert.Zero(t, free)
	assert.Zero(t, waiting)
}

func TestClosedWaiterIsRemoved(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	pair := domain.Pair{Server: "a.aio", Application: "web"}

	h.offer(t, a, "web", []string{"*"}, "slot-1")
	h.redirect(t, redirectTo(b, "a.aio", "web"))

	reqConn, _, env := h.redirect(t, redirectTo(b, "a.aio", "web"))
	require.Equal(t, protocol.EventAccepted, env.EventName)
	require.Eventually(t, func() bool {
		_, waiting := h.broker.Stats(pair)
		return waiting == 1
	}, 2*time.Second, 10*time.Millisecond)

	reqConn.Close()
	require.Eventually(t, func() bool {
		_, waiting := h.broker.Stats(pair)
		return waiting == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedirectRejections(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	h.offer(t, a, "web", []string{"*"}, "slot-1")

	forged := redirectTo(b, "a.aio", "web")
	forged.AuthReferer = "forged"

	missing := redirectTo(b, "a.aio", "web")
	missing.Machine = ""

	cases := []struct {
		name string
		desc protocol.RedirectDescriptor
		code string
	}{
		{"offline server", redirectTo(b, "z.aio", "web"), domain.CodeServerOffline},
		{"unknown application", redirectTo(b, "a.aio", "nope"), domain.CodeUnknownApplication},
		{"forged referer", forged, domain.CodeUnauthorized},
		{"missing field", missing, domain.CodeMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, env := h.redirect(t, tc.desc)
			assert.Equal(t, tc.code, rejectionOf(t, env).Code)
		})
	}

	free, _ := h.broker.Stats(domain.Pair{Server: "a.aio", Application: "web"})
	assert.Equal(t, 1, free)
}

func TestOfferForForeignServerRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")

	conn, codec := dial(t, h.response)
	desc := b.identity()
	desc.Server = "a.aio"
	desc.App = "web"
	require.NoError(t, codec.WriteJSON(protocol.OfferDescriptor{RedirectDescriptor: desc, Grants: []string{"*"}, SlotID: "s"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, domain.CodePermissionDenied, rejectionOf(t, env).Code)
}

func TestMalformedDescriptorRejected(t *testing.T) {
	h := newHarness(t)
	conn, codec := dial(t, h.requester)
	_, err := conn.Write([]byte("{not json\n\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, domain.CodeMalformedFrame, rejectionOf(t, env).Code)
}

func TestApplicationRelayFollowsGrants(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")

	release := 2
	web := domain.Application{Name: "web", Grants: []string{"b.aio"}, GetawayRelease: &release}
	require.NoError(t, a.codec.Send(protocol.EventAppServerRelease, protocol.AppEvent{Application: web}))

	env := b.expect(t, protocol.EventAppServerRelease)
	var ev protocol.AppEvent
	require.NoError(t, env.Arg(0, &ev))
	assert.Equal(t, "a.aio", ev.Server)
	assert.Equal(t, web, ev.Application)

	// A late peer hears about the application once it is granted.
	c := h.connect(t, "c.aio", "*")
	web.Grants = []string{"b.aio", "c.aio"}
	require.NoError(t, a.codec.Send(protocol.EventAppServerRelease, protocol.AppEvent{Application: web}))
	env = c.expect(t, protocol.EventAppServerRelease)
	require.NoError(t, env.Arg(0, &ev))
	assert.Equal(t, []string{"b.aio", "c.aio"}, ev.Application.Grants)

	// Revoking b's grant tells b the application closed.
	web.Grants = []string{"c.aio"}
	require.NoError(t, a.codec.Send(protocol.EventAppServerRelease, protocol.AppEvent{Application: web}))
	env = b.expect(t, protocol.EventAppServerClosed)
	var closed protocol.AppClosed
	require.NoError(t, env.Arg(0, &closed))
	assert.Equal(t, protocol.AppClosed{Server: "a.aio", App: "web"}, closed)
}

func TestAgentDisconnectNotifiesPeersAndClosesSlots(t *testing.T) {
	h := newHarness(t)
	a := h.connect(t, "a.aio", "*")
	b := h.connect(t, "b.aio", "*")
	a.expect(t, protocol.EventRemoteServerOpen)

	slotConn, slotCodec := h.offer(t, a, "web", []string{"*"}, "slot-1")
	a.conn.Close()

	env := b.expect(t, protocol.EventRemoteServerClosed)
	var ev protocol.ServerEvent
	require.NoError(t, env.Arg(0, &ev))
	assert.Equal(t, "a.aio", ev.Server)

	require.NoError(t, slotConn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := slotCodec.Reader().ReadByte()
	assert.Error(t, err, "free slot of an offline agent is closed")

	_, _, redirect := h.redirect(t, redirectTo(b, "a.aio", "web"))
	assert.Equal(t, domain.CodeServerOffline, rejectionOf(t, redirect).Code)
}

func TestAuthRejectionsAndRateLimit(t *testing.T) {
	metrics := telemetry.NewMetrics()
	h := newHarness(t, func(o *Options) {
		o.AuthLimiter = governance.NewRateLimiter(governance.RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2})
		o.Metrics = metrics
	})

	conn, codec := dial(t, h.auth)
	require.NoError(t, codec.Send(protocol.EventAuth, protocol.AuthRequest{Agent: "a.aio", Token: "wrong", Machine: "m"}))
	env, err := codec.ReadEnvelope()
	require.NoError(t, err)
	require.Equal(t, protocol.EventAuthFailed, env.EventName)
	var rej protocol.Rejection
	require.NoError(t, env.Arg(0, &rej))
	assert.Equal(t, domain.CodeInvalidToken, rej.Code)
	conn.Close()

	h.connect(t, "b.aio", "*")

	_, _, env = h.authRaw(t, "c.aio", "*")
	require.Equal(t, protocol.EventAuthFailed, env.EventName)
	require.NoError(t, env.Arg(0, &rej))
	assert.Equal(t, domain.CodeRateLimited, rej.Code)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "relay_auth_throttled_hosts 1")
}
