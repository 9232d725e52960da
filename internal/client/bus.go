package client

import (
	"encoding/json"
	"sync"

	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
	"github.com/electr1fy0/tandem/internal/schema"
)

var ErrUnknownEvent = xerrors.New("unknown event")

// Topic fans a value out to subscribers in subscription order. The zero
// value is ready to use.
type Topic[T any] struct {
	mu   sync.Mutex
	next int
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for i, s := range t.subs {
				if s.id == id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish calls every subscriber with v. Subscribers run on the caller's
// goroutine, outside the topic lock.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	subs := append([]subscriber[T](nil), t.subs...)
	t.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// InitEvent is a full channel snapshot received after joining.
type InitEvent struct {
	Channel string
	State   crud.State
	Locked  bool
	Seq     uint64
	Users   []protocol.User
}

// EntityEvent is a remote mutation of one entity collection.
type EntityEvent struct {
	Event    string
	Entity   string
	Op       schema.Op
	UserUUID string
	Seq      uint64
	Payload  map[string]any
}

type LockEvent struct {
	Locked   bool
	UserUUID string
}

type ErrorEvent struct {
	Message string
}

// StatusEvent reports a session state change. Err is set when the change was
// caused by a failure.
type StatusEvent struct {
	State State
	Err   error
}

type UploadEvent struct {
	OK      bool
	Message string
}

// Bus routes decoded envelopes to typed topics.
type Bus struct {
	schemas *schema.Registry

	Init       Topic[InitEvent]
	Presence   Topic[[]protocol.User]
	UserJoined Topic[protocol.User]
	Entity     Topic[EntityEvent]
	Lock       Topic[LockEvent]
	Errors     Topic[ErrorEvent]
	Status     Topic[StatusEvent]
	Uploads    Topic[UploadEvent]
	// Pong carries the server timestamp of each heartbeat reply.
	Pong Topic[int64]
}

func NewBus(reg *schema.Registry) *Bus {
	if reg == nil {
		reg = schema.Default()
	}
	return &Bus{schemas: reg}
}

// Dispatch publishes e on the topic matching its type.
func (b *Bus) Dispatch(e protocol.Envelope) error {
	switch e.Type {
	case protocol.TypeInitState:
		var p protocol.InitState
		if err := decodePayload(e.Payload, &p); err != nil {
			return err
		}
		b.Init.Publish(InitEvent{
			Channel: e.ChannelName,
			State:   crud.Normalize(b.schemas, p.State),
			Locked:  p.Locked,
			Seq:     e.Seq,
			Users:   p.Users,
		})
	case protocol.TypeUserList:
		var p protocol.UserList
		if err := decodePayload(e.Payload, &p); err != nil {
			return err
		}
		b.Presence.Publish(p.Users)
	case protocol.TypeUserJoined:
		var p protocol.UserJoined
		if err := decodePayload(e.Payload, &p); err != nil {
			return err
		}
		b.UserJoined.Publish(p.User)
	case protocol.TypeRoomLockToggle:
		locked, _ := e.Bool("locked")
		b.Lock.Publish(LockEvent{Locked: locked, UserUUID: e.UserUUID})
	case protocol.TypeError:
		b.Errors.Publish(ErrorEvent{Message: e.String("message")})
	case protocol.TypeUploadComplete:
		ok, _ := e.Bool("ok")
		b.Uploads.Publish(UploadEvent{OK: ok, Message: e.String("message")})
	case protocol.TypePong:
		b.Pong.Publish(e.EffectiveTimestamp())
	default:
		s, op, ok := b.schemas.Lookup(e.Type)
		if !ok {
			return xerrors.Errorf("%q: %w", e.Type, ErrUnknownEvent)
		}
		b.Entity.Publish(EntityEvent{
			Event:    e.Type,
			Entity:   s.Name,
			Op:       op,
			UserUUID: e.UserUUID,
			Seq:      e.Seq,
			Payload:  e.Payload,
		})
	}
	return nil
}

func decodePayload(payload map[string]any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Errorf("re-encode payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return xerrors.Errorf("decode payload: %w", err)
	}
	return nil
}
