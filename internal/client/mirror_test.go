package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
)

type recordingSender struct {
	sent []protocol.Envelope
	err  error
}

func (r *recordingSender) Send(_ context.Context, e protocol.Envelope) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, e)
	return nil
}

func TestMirrorDo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewMirror(schema.Default())
	var changes []string
	m.Changes.Subscribe(func(name string) { changes = append(changes, name) })

	s := &recordingSender{}
	require.NoError(t, m.Do(ctx, s, "add-goal", map[string]any{"id": "g1", "text": "Ship"}))
	require.Len(t, s.sent, 1)
	assert.Equal(t, "add-goal", s.sent[0].Type)
	assert.Equal(t, "g1", s.sent[0].Payload["id"])

	goals := m.Collection("goals")
	require.Len(t, goals, 1)
	assert.Equal(t, 0, goals[0]["order"])
	assert.Equal(t, []string{"goals"}, changes)

	// Invalid commands are neither applied nor sent.
	err := m.Do(ctx, s, "add-goal", map[string]any{"id": "g2"})
	var verr *crud.ValidationError
	require.True(t, xerrors.As(err, &verr))
	assert.Equal(t, "text", verr.Field)
	assert.Len(t, s.sent, 1)
	assert.Len(t, m.Collection("goals"), 1)

	// A failed send keeps the optimistic change; the next snapshot settles it.
	s.err = xerrors.New("offline")
	require.Error(t, m.Do(ctx, s, "add-goal", map[string]any{"id": "g2", "text": "Two"}))
	assert.Len(t, m.Collection("goals"), 2)
}

func TestMirrorAttach(t *testing.T) {
	t.Parallel()

	bus := NewBus(schema.Default())
	m := NewMirror(schema.Default())
	detach := m.Attach(bus)

	st := crud.EmptyState(schema.Default())
	st["goals"] = crud.Collection{{"id": "g1", "text": "a", "order": 0}}
	bus.Init.Publish(InitEvent{
		State:  st,
		Locked: true,
		Users:  []protocol.User{{UserUUID: "u1"}},
	})
	assert.True(t, m.Locked())
	assert.Len(t, m.Users(), 1)
	assert.Len(t, m.Collection("goals"), 1)

	add := EntityEvent{Event: "add-goal", Payload: map[string]any{"id": "g2", "text": "b"}}
	bus.Entity.Publish(add)
	bus.Entity.Publish(add)
	goals := m.Collection("goals")
	require.Len(t, goals, 2, "replayed adds converge")
	assert.Equal(t, 1, goals[1]["order"])

	bus.Entity.Publish(EntityEvent{Event: "reorder-goals", Payload: map[string]any{"order": []any{"g2", "g1"}}})
	goals = m.Collection("goals")
	assert.Equal(t, "g2", goals[0]["id"])
	assert.Equal(t, 0, goals[0]["order"])

	var errs []ErrorEvent
	bus.Errors.Subscribe(func(e ErrorEvent) { errs = append(errs, e) })
	bus.Entity.Publish(EntityEvent{Event: "update-goal", Payload: map[string]any{"text": "c"}})
	require.Len(t, errs, 1)
	assert.Equal(t, "Missing required field: id", errs[0].Message)

	bus.Presence.Publish([]protocol.User{{UserUUID: "u1"}, {UserUUID: "u2"}})
	assert.Len(t, m.Users(), 2)
	bus.Lock.Publish(LockEvent{Locked: false})
	assert.False(t, m.Locked())

	detach()
	bus.Lock.Publish(LockEvent{Locked: true})
	assert.False(t, m.Locked())
}
