package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
	"github.com/electr1fy0/tandem/internal/server"
	"github.com/electr1fy0/tandem/internal/store"
	"github.com/electr1fy0/tandem/internal/testutil"
)

func startManager(t *testing.T) *server.Manager {
	t.Helper()
	m := server.NewManager(server.Options{
		Store:      store.NewFileStore(afero.NewMemMapFs(), "/data"),
		Logger:     testutil.Logger(t),
		Registerer: prometheus.NewRegistry(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// subscribe forwards topic values into a buffered channel.
func subscribe[T any](t *testing.T, topic *Topic[T]) <-chan T {
	ch := make(chan T, 64)
	t.Cleanup(topic.Subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	}))
	return ch
}

type peer struct {
	session *Session
	mirror  *Mirror
	inits   <-chan InitEvent

	exited chan struct{}
	runErr error
}

func startPeer(t *testing.T, opts Options) *peer {
	t.Helper()
	opts.Logger = testutil.Logger(t)
	opts.Bus = NewBus(schema.Default())
	opts.RetryFloor = 10 * time.Millisecond
	opts.RetryCeil = 50 * time.Millisecond

	s, err := NewSession(opts)
	require.NoError(t, err)
	mirror := NewMirror(schema.Default())
	t.Cleanup(mirror.Attach(opts.Bus))

	p := &peer{
		session: s,
		mirror:  mirror,
		inits:   subscribe(t, &opts.Bus.Init),
		exited:  make(chan struct{}),
	}
	go func() {
		defer close(p.exited)
		p.runErr = s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		<-p.exited
	})
	return p
}

func identity(name string) Identity {
	return Identity{UserUUID: name + "-id", DisplayName: name}
}

func TestSessionsStayInSync(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitMedium)

	m := startManager(t)
	srv := httptest.NewServer(m.Routes(nil))
	t.Cleanup(srv.Close)

	alice := startPeer(t, Options{URL: wsURL(srv), Channel: "alpha", Identity: identity("alice")})
	testutil.RequireReceive(ctx, t, alice.inits)
	bob := startPeer(t, Options{URL: wsURL(srv), Channel: "alpha", Identity: identity("bob")})
	testutil.RequireReceive(ctx, t, bob.inits)
	assert.Equal(t, StateConnected, alice.session.State())

	require.NoError(t, alice.mirror.Do(ctx, alice.session, "add-goal", map[string]any{"id": "g1", "text": "Ship"}))
	// Replacing the snapshot on join already reported a goals change, so
	// wait for the content rather than the notification.
	require.Eventually(t, func() bool { return len(bob.mirror.Collection("goals")) == 1 }, testutil.WaitShort, testutil.IntervalFast)
	goals := bob.mirror.Collection("goals")
	require.Len(t, goals, 1)
	assert.Equal(t, "Ship", goals[0]["text"])
	assert.Equal(t, 0, goals[0]["order"])

	require.Eventually(t, func() bool { return len(alice.mirror.Users()) == 2 }, testutil.WaitShort, testutil.IntervalFast)

	bob.session.Close()
	testutil.TryReceive(ctx, t, bob.exited)
	require.NoError(t, bob.runErr)
	assert.Equal(t, StateClosed, bob.session.State())
	require.Eventually(t, func() bool { return len(alice.mirror.Users()) == 1 }, testutil.WaitShort, testutil.IntervalFast)

	require.ErrorIs(t, bob.session.Run(ctx), ErrClosed)
}

func TestSessionReconnects(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitMedium)

	m := startManager(t)
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			conn, err := websocket.Accept(w, r, nil)
			if err == nil {
				_ = conn.CloseNow()
			}
			return
		}
		m.ServeWS(w, r)
	}))
	t.Cleanup(srv.Close)

	fs := afero.NewMemMapFs()
	ids := NewIdentityStore(fs, "/identity.yaml")
	bus := NewBus(schema.Default())
	statuses := subscribe(t, &bus.Status)
	inits := subscribe(t, &bus.Init)

	s, err := NewSession(Options{
		URL:        wsURL(srv),
		Channel:    "alpha",
		Identity:   identity("alice"),
		Identities: ids,
		Bus:        bus,
		Logger:     testutil.Logger(t),
		RetryFloor: 10 * time.Millisecond,
		RetryCeil:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	snap := testutil.RequireReceive(ctx, t, inits)
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	require.Len(t, snap.Users, 1)

	var seen []State
	for len(statuses) > 0 {
		seen = append(seen, (<-statuses).State)
	}
	assert.Contains(t, seen, StateDisconnected)
	assert.Equal(t, StateConnected, seen[len(seen)-1])

	// The color the server reported is remembered for the next join.
	stored, err := ids.Load()
	require.NoError(t, err)
	assert.Equal(t, snap.Users[0].Color, stored.Colors["alpha"])

	s.Close()
	require.NoError(t, testutil.RequireReceive(ctx, t, done))
}

func TestSessionHeartbeat(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitMedium)

	m := startManager(t)
	srv := httptest.NewServer(m.Routes(nil))
	t.Cleanup(srv.Close)

	mClock := quartz.NewMock(t)
	trap := mClock.Trap().NewTicker("session", "heartbeat")
	defer trap.Close()

	bus := NewBus(schema.Default())
	pongs := subscribe(t, &bus.Pong)
	s, err := NewSession(Options{
		URL:          wsURL(srv),
		Channel:      "alpha",
		Identity:     identity("alice"),
		Bus:          bus,
		Clock:        mClock,
		Logger:       testutil.Logger(t),
		PingInterval: time.Minute,
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	trap.MustWait(ctx).MustRelease(ctx)
	mClock.Advance(time.Minute).MustWait(ctx)
	assert.NotZero(t, testutil.RequireReceive(ctx, t, pongs))

	s.Close()
	require.NoError(t, testutil.RequireReceive(ctx, t, done))
}

func TestSessionValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSession(Options{URL: "ws://x/ws", Channel: "my-room", Identity: identity("a")})
	require.Error(t, err)
	_, err = NewSession(Options{URL: "ws://x/ws", Channel: "alpha"})
	require.Error(t, err)

	s, err := NewSession(Options{URL: "ws://x/ws", Channel: "alpha", Identity: identity("a")})
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, s.State())
	require.ErrorIs(t, s.Send(context.Background(), protocol.New(protocol.TypePing, nil)), ErrNotConnected)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	valid := map[State][]State{
		StateDisconnected: {StateConnecting, StateClosed},
		StateConnecting:   {StateConnected, StateDisconnected, StateClosed},
		StateConnected:    {StateDisconnected, StateClosed},
		StateClosed:       {},
	}
	all := []State{StateDisconnected, StateConnecting, StateConnected, StateClosed}
	for from, tos := range valid {
		for _, to := range all {
			err := from.validateTransitionTo(to)
			if slices.Contains(tos, to) {
				assert.NoError(t, err, "%v -> %v", from, to)
			} else {
				assert.Error(t, err, "%v -> %v", from, to)
			}
		}
	}
}
