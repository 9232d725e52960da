package server

import (
	"context"
	"sort"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/schema"
	"github.com/electr1fy0/tandem/internal/store"
)

var ErrStopped = xerrors.New("manager stopped")

// NewManager builds a registry. Call Run to start it.
func NewManager(opts Options) *Manager {
	if opts.Schemas == nil {
		opts.Schemas = schema.Default()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = pingPeriod
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = writeWait
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = saveTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = bufSize
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = readLimit
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = rateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = rateBurst
	}

	log := opts.Logger.With().Str("component", "manager").Logger()
	metrics := NewMetrics(opts.Registerer)

	return &Manager{
		opts:       opts,
		log:        log,
		clock:      opts.Clock,
		schemas:    opts.Schemas,
		persist:    newPersister(opts.Store, log, metrics, opts.SaveTimeout),
		metrics:    metrics,
		channels:   make(map[string]*Channel),
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client, 128),
		inbound:    make(chan inbound, 256),
		queries:    make(chan func()),
		running:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run owns the registry until ctx is cancelled, then flushes pending
// snapshots and returns.
func (m *Manager) Run(ctx context.Context) error {
	select {
	case <-m.running:
		return xerrors.New("manager already running")
	default:
		close(m.running)
	}

	pctx, pcancel := context.WithCancel(context.Background())
	pdone := make(chan struct{})
	go func() {
		defer close(pdone)
		m.persist.run(pctx)
	}()

	m.log.Info().Msg("channel registry started")
	m.run(ctx)

	pcancel()
	<-pdone
	m.log.Info().Msg("channel registry stopped")
	return nil
}

// Done is closed once the registry loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// query runs fn on the registry goroutine and waits for it.
func (m *Manager) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case m.queries <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

// post hands fn to the registry goroutine without waiting for it. Background
// work that needs to touch connections goes through here.
func (m *Manager) post(fn func()) {
	select {
	case m.queries <- fn:
	case <-m.done:
	}
}

// Channels lists live channels sorted by name.
func (m *Manager) Channels(ctx context.Context) ([]ChannelInfo, error) {
	var out []ChannelInfo
	err := m.query(ctx, func() {
		out = make([]ChannelInfo, 0, len(m.channels))
		for _, ch := range m.channels {
			out = append(out, ch.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// Snapshot returns the in-memory state of a live channel.
func (m *Manager) Snapshot(ctx context.Context, name string) (crud.State, bool, error) {
	var (
		st crud.State
		ok bool
	)
	err := m.query(ctx, func() {
		var ch *Channel
		if ch, ok = m.channels[name]; ok {
			st = ch.state.Clone()
		}
	})
	return st, ok, err
}

// load reads a channel snapshot for its first join. A snapshot still queued
// or being written wins over the store. Any failure yields an empty state.
//
// The read runs on the registry goroutine, so a slow store stalls every
// channel for up to SaveTimeout. Only the first join of a channel pays it.
func (m *Manager) load(ctx context.Context, name string) crud.State {
	if st, ok := m.persist.latest(name); ok {
		return st
	}
	if m.opts.Store == nil {
		return crud.EmptyState(m.schemas)
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.SaveTimeout)
	defer cancel()

	st, err := m.opts.Store.Load(ctx, name)
	switch {
	case err == nil:
		return crud.Normalize(m.schemas, st)
	case xerrors.Is(err, store.ErrNotFound):
		m.log.Debug().Str("channel", name).Msg("no snapshot, starting empty")
	default:
		m.metrics.PersistErrors.WithLabelValues("load").Inc()
		m.log.Warn().Err(err).Str("channel", name).Msg("snapshot unreadable, starting empty")
	}
	return crud.EmptyState(m.schemas)
}
