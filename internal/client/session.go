// Package client keeps a local mirror of one channel in sync with a tandem
// server over a reconnecting websocket session.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/coder/retry"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/protocol"
)

var (
	ErrNotConnected = xerrors.New("not connected")
	ErrClosed       = xerrors.New("session closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

func (s State) validateTransitionTo(next State) error {
	if next == StateClosed && s != StateClosed {
		return nil
	}
	switch s {
	case StateDisconnected:
		if next == StateConnecting {
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected:
			return nil
		}
	case StateConnected:
		if next == StateDisconnected {
			return nil
		}
	}
	return xerrors.Errorf("invalid state transition from %v to %v", s, next)
}

const (
	pingInterval = 15 * time.Second
	pingTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

type Options struct {
	// URL is the server's websocket endpoint, e.g. ws://localhost:8080/ws.
	URL      string
	Channel  string
	Identity Identity
	// Identities, when set, persists colors assigned by the server.
	Identities *IdentityStore

	Bus    *Bus
	Logger zerolog.Logger
	Clock  quartz.Clock

	PingInterval time.Duration
	PingTimeout  time.Duration
	Tolerance    time.Duration
	RetryFloor   time.Duration
	RetryCeil    time.Duration
}

// Session is one user's presence in one channel. Run keeps it connected
// until Close is called or its context ends.
type Session struct {
	opts   Options
	log    zerolog.Logger
	clock  quartz.Clock
	bus    *Bus
	filter *Filter

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	identity Identity

	closed    chan struct{}
	closeOnce sync.Once
}

func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, xerrors.New("session: url is required")
	}
	if !protocol.ValidChannelName(opts.Channel) {
		return nil, xerrors.Errorf("session: channel %q: %s", opts.Channel, protocol.ErrMsgInvalidChannel)
	}
	if opts.Identity.UserUUID == "" {
		return nil, xerrors.New("session: identity has no user id")
	}
	if opts.Identity.DisplayName == "" {
		return nil, xerrors.New("session: display name is required")
	}
	if opts.Bus == nil {
		opts.Bus = NewBus(nil)
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = pingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = pingTimeout
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = 250 * time.Millisecond
	}
	if opts.RetryCeil <= 0 {
		opts.RetryCeil = 10 * time.Second
	}

	s := &Session{
		opts:     opts,
		log:      opts.Logger.With().Str("channel", opts.Channel).Str("user", opts.Identity.UserUUID).Logger(),
		clock:    opts.Clock,
		bus:      opts.Bus,
		filter:   NewFilter(opts.Tolerance),
		state:    StateDisconnected,
		identity: opts.Identity,
		closed:   make(chan struct{}),
	}
	s.bus.Init.Subscribe(s.rememberColor)
	return s, nil
}

func (s *Session) Bus() *Bus { return s.bus }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transitionTo(next State, cause error) error {
	s.mu.Lock()
	if err := s.state.validateTransitionTo(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()

	s.log.Debug().Stringer("state", next).Msg("session state")
	s.bus.Status.Publish(StatusEvent{State: next, Err: cause})
	return nil
}

// Run connects, joins the channel and reconnects with backoff whenever the
// transport is lost. It returns nil after Close and ctx.Err() when ctx ends.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	for r := retry.New(s.opts.RetryFloor, s.opts.RetryCeil); r.Wait(ctx); {
		if err := s.transitionTo(StateConnecting, nil); err != nil {
			return err
		}
		conn, err := s.dial(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("connect failed")
			_ = s.transitionTo(StateDisconnected, err)
			continue
		}
		r.Reset()

		err = s.serve(ctx, conn)
		if ctx.Err() != nil {
			break
		}
		s.log.Warn().Err(err).Msg("connection lost")
		_ = s.transitionTo(StateDisconnected, err)
	}

	_ = s.transitionTo(StateClosed, nil)
	select {
	case <-s.closed:
		return nil
	default:
		return ctx.Err()
	}
}

// Close stops Run and drops the connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.opts.URL, nil)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", s.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve owns one connection until it fails or ctx ends.
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.CloseNow()

	s.filter.Reset()
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := s.transitionTo(StateConnected, nil); err != nil {
		return err
	}

	s.mu.Lock()
	id := s.identity
	s.mu.Unlock()
	join := protocol.New(protocol.TypeJoinChannel, map[string]any{
		"displayName": id.DisplayName,
		"color":       id.Color(s.opts.Channel),
	})
	if err := s.Send(ctx, join); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.readLoop(egCtx, conn) })
	eg.Go(func() error { return s.heartbeat(egCtx, conn) })
	return eg.Wait()
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return xerrors.Errorf("read: %w", err)
		}
		s.handleFrame(data)
	}
}

// heartbeat sends an application ping and a transport ping every interval.
// A transport ping that times out ends the connection.
func (s *Session) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	ticker := s.clock.NewTicker(s.opts.PingInterval, "session", "heartbeat")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Send(ctx, protocol.New(protocol.TypePing, nil)); err != nil {
				return err
			}
			pingCtx, cancel := context.WithTimeout(ctx, s.opts.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return xerrors.Errorf("transport ping: %w", err)
			}
		}
	}
}

func (s *Session) handleFrame(data []byte) {
	if protocol.PeekType(data) == "" {
		s.log.Warn().Int("bytes", len(data)).Msg("frame without type")
		return
	}
	env, err := protocol.Decode(data)
	if err != nil {
		s.log.Warn().Err(err).Msg("malformed frame")
		return
	}
	if !s.filter.Accept(env) {
		s.log.Warn().Str("type", env.Type).Uint64("seq", env.Seq).
			Int64("timestamp", env.EffectiveTimestamp()).Msg("dropping stale envelope")
		return
	}
	if err := s.bus.Dispatch(env); err != nil {
		s.log.Debug().Err(err).Str("type", env.Type).Msg("dispatch")
	}
}

// Send stamps e with this session's user, channel and time and writes it.
func (s *Session) Send(ctx context.Context, e protocol.Envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	e.UserUUID = s.opts.Identity.UserUUID
	e.ChannelName = s.opts.Channel
	e.Timestamp = s.clock.Now().UnixMilli()
	data, err := json.Marshal(e)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", e.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return xerrors.Errorf("write %s: %w", e.Type, err)
	}
	return nil
}

// rememberColor keeps the color the server shows for us so the next join
// asks for the same one.
func (s *Session) rememberColor(e InitEvent) {
	for _, u := range e.Users {
		if u.UserUUID != s.opts.Identity.UserUUID || u.Color == "" {
			continue
		}
		s.mu.Lock()
		if s.identity.Colors[s.opts.Channel] == u.Color {
			s.mu.Unlock()
			return
		}
		colors := make(map[string]string, len(s.identity.Colors)+1)
		for k, v := range s.identity.Colors {
			colors[k] = v
		}
		colors[s.opts.Channel] = u.Color
		s.identity.Colors = colors
		id := s.identity
		s.mu.Unlock()

		if s.opts.Identities != nil {
			if err := s.opts.Identities.Save(id); err != nil {
				s.log.Warn().Err(err).Msg("save identity")
			}
		}
		return
	}
}
