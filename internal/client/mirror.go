package client

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
)

// Names published on Mirror.Changes besides entity names.
const (
	ChangeUsers = "users"
	ChangeLock  = "lock"
)

// Sender delivers a command to the server.
type Sender interface {
	Send(ctx context.Context, e protocol.Envelope) error
}

// Mirror is the client's local copy of a channel. Local commands are applied
// optimistically through the same reducer the server uses, so the server's
// relay of someone else's change and a replay of our own converge.
type Mirror struct {
	schemas *schema.Registry

	mu     sync.Mutex
	state  crud.State
	users  []protocol.User
	locked bool

	// Changes names whatever changed: an entity type, ChangeUsers or
	// ChangeLock.
	Changes Topic[string]
}

func NewMirror(reg *schema.Registry) *Mirror {
	if reg == nil {
		reg = schema.Default()
	}
	return &Mirror{schemas: reg, state: crud.EmptyState(reg)}
}

// Replace swaps in a full snapshot.
func (m *Mirror) Replace(st crud.State) {
	m.mu.Lock()
	m.state = crud.Normalize(m.schemas, st)
	m.mu.Unlock()
	for _, name := range m.schemas.Names() {
		m.Changes.Publish(name)
	}
}

// Apply runs an entity event against the local state.
func (m *Mirror) Apply(event string, payload map[string]any) (crud.Result, error) {
	m.mu.Lock()
	next, s, res, err := crud.ApplyEvent(m.schemas, m.state, event, payload)
	if err != nil {
		m.mu.Unlock()
		return crud.Result{}, err
	}
	m.state = next
	m.mu.Unlock()

	m.Changes.Publish(s.Name)
	return res, nil
}

// Do validates and applies a command locally, then sends it. A command that
// fails validation is neither applied nor sent.
func (m *Mirror) Do(ctx context.Context, s Sender, event string, payload map[string]any) error {
	if _, err := m.Apply(event, payload); err != nil {
		return err
	}
	if err := s.Send(ctx, protocol.New(event, payload)); err != nil {
		return xerrors.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Collection returns the current records of one entity type.
func (m *Mirror) Collection(entity string) crud.Collection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[entity]
}

// Snapshot returns the whole local state.
func (m *Mirror) Snapshot() crud.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

func (m *Mirror) Users() []protocol.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.User(nil), m.users...)
}

func (m *Mirror) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

func (m *Mirror) setUsers(users []protocol.User) {
	m.mu.Lock()
	m.users = append([]protocol.User(nil), users...)
	m.mu.Unlock()
	m.Changes.Publish(ChangeUsers)
}

func (m *Mirror) setLocked(locked bool) {
	m.mu.Lock()
	m.locked = locked
	m.mu.Unlock()
	m.Changes.Publish(ChangeLock)
}

// Attach keeps the mirror in sync with bus. Remote events that fail to apply
// are published on the bus's Errors topic.
func (m *Mirror) Attach(bus *Bus) (detach func()) {
	unsubs := []func(){
		bus.Init.Subscribe(func(e InitEvent) {
			m.Replace(e.State)
			m.setLocked(e.Locked)
			m.setUsers(e.Users)
		}),
		bus.Entity.Subscribe(func(e EntityEvent) {
			if _, err := m.Apply(e.Event, e.Payload); err != nil {
				bus.Errors.Publish(ErrorEvent{Message: err.Error()})
			}
		}),
		bus.Presence.Subscribe(m.setUsers),
		bus.Lock.Subscribe(func(e LockEvent) { m.setLocked(e.Locked) }),
	}
	return func() {
		for _, fn := range unsubs {
			fn()
		}
	}
}
