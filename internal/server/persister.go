package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/store"
)

// persister writes channel snapshots off the registry goroutine. Saves are
// coalesced per channel: only the latest queued state is written, so writes
// for one channel never race each other.
type persister struct {
	store   store.Store
	log     zerolog.Logger
	metrics *Metrics
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]crud.State
	// writing is the batch currently being handed to the store.
	writing map[string]crud.State
	waiters map[string][]chan error
	wake    chan struct{}
}

func newPersister(s store.Store, log zerolog.Logger, metrics *Metrics, timeout time.Duration) *persister {
	return &persister{
		store:   s,
		log:     log.With().Str("component", "persister").Logger(),
		metrics: metrics,
		timeout: timeout,
		pending: make(map[string]crud.State),
		waiters: make(map[string][]chan error),
		wake:    make(chan struct{}, 1),
	}
}

// save queues a snapshot. States are immutable, so st is kept by reference.
func (p *persister) save(name string, st crud.State) {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	p.pending[name] = st
	p.mu.Unlock()
	p.signal()
}

// flush queues a snapshot and reports when it has been written.
func (p *persister) flush(name string, st crud.State) <-chan error {
	done := make(chan error, 1)
	if p.store == nil {
		done <- nil
		return done
	}
	p.mu.Lock()
	p.pending[name] = st
	p.waiters[name] = append(p.waiters[name], done)
	p.mu.Unlock()
	p.signal()
	return done
}

// latest returns the newest snapshot for name that the store may not have
// yet: a queued one, else the one being written.
func (p *persister) latest(name string) (crud.State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.pending[name]; ok {
		return st, true
	}
	st, ok := p.writing[name]
	return st, ok
}

func (p *persister) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// run writes queued snapshots until ctx is cancelled, then drains whatever
// is still pending.
func (p *persister) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-p.wake:
			p.drain()
		}
	}
}

func (p *persister) drain() {
	for {
		p.mu.Lock()
		p.writing = nil
		if len(p.pending) == 0 {
			p.mu.Unlock()
			return
		}
		batch, waiters := p.pending, p.waiters
		p.writing = batch
		p.pending = make(map[string]crud.State)
		p.waiters = make(map[string][]chan error)
		p.mu.Unlock()

		for name, st := range batch {
			err := p.write(name, st)
			for _, w := range waiters[name] {
				w <- err
			}
		}
	}
}

func (p *persister) write(name string, st crud.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	err := p.store.Save(ctx, name, st)
	p.metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.PersistErrors.WithLabelValues("save").Inc()
		p.log.Error().Err(err).Str("channel", name).Msg("save snapshot")
		return err
	}
	p.log.Debug().Str("channel", name).Msg("snapshot saved")
	return nil
}
