package server

import (
	"context"
	"encoding/json"
	"sort"

	"golang.org/x/xerrors"

	"github.com/electr1fy0/tandem/internal/crud"
	"github.com/electr1fy0/tandem/internal/protocol"
)

// run is the single owner of channel state.
// Listens to connections, their frames and admin queries.
func (m *Manager) run(ctx context.Context) {
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.register:
			m.clients[c] = struct{}{}
			m.metrics.Connections.Inc()
		case c := <-m.unregister:
			m.removeClient(c)
		case in := <-m.inbound:
			if _, ok := m.clients[in.c]; !ok {
				continue
			}
			m.handle(ctx, in)
		case fn := <-m.queries:
			fn()
		}
	}
}

func (m *Manager) shutdown() {
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
	m.metrics.Connections.Set(0)
	m.metrics.Channels.Set(0)
	clear(m.channels)
	close(m.done)
}

// removeClient is the transport-loss path: it leaves the joined channel and
// stops the write pump.
func (m *Manager) removeClient(c *client) {
	if _, ok := m.clients[c]; !ok {
		return
	}
	m.leaveChannel(c)
	delete(m.clients, c)
	close(c.send)
	m.metrics.Connections.Dec()
}

func (m *Manager) handle(ctx context.Context, in inbound) {
	c := in.c
	if in.throttled {
		m.reject(c, "rate_limited", protocol.ErrMsgRateLimited)
		return
	}

	env, err := protocol.Decode(in.data)
	if err != nil {
		c.log.Debug().Err(err).Msg("malformed frame")
		m.reject(c, "malformed", protocol.ErrMsgMalformed)
		return
	}
	m.metrics.Messages.WithLabelValues(m.label(env.Type)).Inc()

	switch env.Type {
	case protocol.TypeJoinChannel:
		m.join(ctx, c, env)
	case protocol.TypeLeaveChannel:
		m.leave(c, env)
	case protocol.TypePing:
		m.sendTo(c, protocol.New(protocol.TypePong, nil))
	case protocol.TypePong:
	default:
		m.message(c, env)
	}
}

func (m *Manager) join(ctx context.Context, c *client, env protocol.Envelope) {
	req, err := protocol.ParseJoin(env)
	if err != nil {
		c.log.Debug().Err(err).Msg("join rejected")
		m.reject(c, "invalid_join", protocol.ErrMsgInvalidChannel)
		return
	}

	ch, exists := m.channels[req.ChannelName]
	if exists && ch.locked {
		if _, member := ch.users[req.UserUUID]; !member {
			m.reject(c, "locked", protocol.ErrMsgChannelLocked)
			return
		}
	}

	if c.channel != "" && (c.channel != req.ChannelName || c.userID != req.UserUUID) {
		m.leaveChannel(c)
		ch, exists = m.channels[req.ChannelName]
	}

	if !exists {
		ch = newChannel(req.ChannelName, m.load(ctx, req.ChannelName))
		m.channels[ch.name] = ch
		m.metrics.Channels.Inc()
		m.log.Info().Str("channel", ch.name).Msg("channel opened")
	}

	if prev, ok := ch.sockets[req.UserUUID]; ok && prev != c {
		// The user reconnected before its old transport died. The old
		// connection stays open but is no longer a member.
		prev.channel, prev.userID = "", ""
		m.log.Debug().Str("channel", ch.name).Str("user", req.UserUUID).Msg("replaced stale connection")
	}

	user, member := ch.users[req.UserUUID]
	if !member {
		user = protocol.User{UserUUID: req.UserUUID, JoinedAt: m.clock.Now().UnixMilli()}
	}
	user.DisplayName = req.DisplayName
	user.Color = req.Color
	ch.users[user.UserUUID] = user
	ch.sockets[user.UserUUID] = c
	c.channel, c.userID = ch.name, user.UserUUID

	m.log.Info().Str("channel", ch.name).Str("user", user.UserUUID).Str("conn", c.id).Msg("joined")

	snap := protocol.New(protocol.TypeInitState, map[string]any{
		"state":  ch.state,
		"locked": ch.locked,
		"users":  ch.userList(),
	})
	snap.Seq = ch.seq
	m.sendTo(c, snap)
	if _, ok := m.clients[c]; !ok {
		return
	}
	if !member {
		m.broadcast(ch, protocol.Envelope{
			Type:     protocol.TypeUserJoined,
			UserUUID: user.UserUUID,
			Payload:  map[string]any{"user": user},
		}, "")
	}
	m.broadcast(ch, protocol.New(protocol.TypeUserList, map[string]any{"users": ch.userList()}), "")
}

func (m *Manager) leave(c *client, env protocol.Envelope) {
	if c.channel == "" {
		m.reject(c, "not_joined", protocol.ErrMsgNotJoined)
		return
	}
	if env.ChannelName != "" && env.ChannelName != c.channel {
		m.reject(c, "channel_mismatch", protocol.ErrMsgInvalidChannel)
		return
	}
	m.leaveChannel(c)
}

// leaveChannel removes the connection's user from its channel and destroys
// the channel when it empties. A connection that was replaced by a newer one
// for the same user is not a member and leaves nothing behind.
func (m *Manager) leaveChannel(c *client) {
	name, uid := c.channel, c.userID
	if name == "" {
		return
	}
	c.channel, c.userID = "", ""

	ch, ok := m.channels[name]
	if !ok || ch.sockets[uid] != c {
		return
	}
	delete(ch.users, uid)
	delete(ch.sockets, uid)
	m.log.Info().Str("channel", name).Str("user", uid).Msg("left")

	if len(ch.users) == 0 {
		delete(m.channels, name)
		m.metrics.Channels.Dec()
		m.log.Info().Str("channel", name).Msg("channel closed")
		return
	}
	m.broadcast(ch, protocol.New(protocol.TypeUserList, map[string]any{"users": ch.userList()}), "")
}

func (m *Manager) message(c *client, env protocol.Envelope) {
	if c.channel == "" {
		m.reject(c, "not_joined", protocol.ErrMsgNotJoined)
		return
	}
	if env.ChannelName != "" {
		if !protocol.ValidChannelName(env.ChannelName) {
			m.reject(c, "invalid_channel", protocol.ErrMsgInvalidChannel)
			return
		}
		if env.ChannelName != c.channel {
			m.reject(c, "channel_mismatch", protocol.ErrMsgInvalidChannel)
			return
		}
	}
	ch := m.channels[c.channel]

	switch env.Type {
	case protocol.TypeRoomLockToggle:
		locked, ok := env.Bool("locked")
		if !ok {
			m.reject(c, "invalid_payload", (&crud.ValidationError{Field: "locked", Reason: "must be a boolean"}).Error())
			return
		}
		ch.locked = locked
		m.log.Info().Str("channel", ch.name).Bool("locked", locked).Str("user", c.userID).Msg("lock toggled")
		m.broadcast(ch, protocol.Envelope{
			Type:     protocol.TypeRoomLockToggle,
			UserUUID: c.userID,
			Payload:  map[string]any{"locked": locked},
		}, c.userID)
	case protocol.TypeUploadToCloud:
		m.flush(c, ch)
	default:
		m.mutate(c, ch, env)
	}
}

// mutate runs an entity event through the CRUD processor, persists the
// result and relays the canonical event to the other members.
func (m *Manager) mutate(c *client, ch *Channel, env protocol.Envelope) {
	next, _, res, err := crud.ApplyEvent(m.schemas, ch.state, env.Type, env.Payload)
	if err != nil {
		switch {
		case xerrors.Is(err, crud.ErrUnknownEntity):
			m.reject(c, "unknown_type", "Unknown message type: "+env.Type)
		case xerrors.Is(err, crud.ErrUnsupportedOp):
			m.reject(c, "unsupported_op", "Unsupported operation: "+env.Type)
		default:
			m.reject(c, "invalid_payload", err.Error())
		}
		return
	}

	ch.state = next
	m.persist.save(ch.name, ch.state)
	m.broadcast(ch, protocol.Envelope{
		Type:     env.Type,
		UserUUID: c.userID,
		Payload:  res.Event,
	}, c.userID)
}

func (m *Manager) flush(c *client, ch *Channel) {
	done := m.persist.flush(ch.name, ch.state)
	go func() {
		err := <-done
		m.post(func() {
			if _, ok := m.clients[c]; !ok {
				return
			}
			payload := map[string]any{"ok": err == nil}
			if err != nil {
				payload["message"] = "Snapshot could not be saved"
			}
			m.sendTo(c, protocol.New(protocol.TypeUploadComplete, payload))
		})
	}()
}

// broadcast stamps e with the channel, time and next sequence number and
// delivers it to every member except the exclude user. Members whose
// outbound buffer is full are dropped.
func (m *Manager) broadcast(ch *Channel, e protocol.Envelope, exclude string) {
	ch.seq++
	now := m.clock.Now().UnixMilli()
	e.ChannelName = ch.name
	e.Timestamp, e.ServerTimestamp = now, now
	e.Seq = ch.seq

	data, err := json.Marshal(e)
	if err != nil {
		m.log.Error().Err(err).Str("type", e.Type).Msg("marshal broadcast")
		return
	}
	m.metrics.Broadcasts.WithLabelValues(m.label(e.Type)).Inc()

	var slow []*client
	for uid, c := range ch.sockets {
		if uid == exclude {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		m.dropSlow(c)
	}
}

// sendTo delivers e to a single connection.
func (m *Manager) sendTo(c *client, e protocol.Envelope) {
	now := m.clock.Now().UnixMilli()
	e.ChannelName = c.channel
	e.Timestamp, e.ServerTimestamp = now, now

	data, err := json.Marshal(e)
	if err != nil {
		m.log.Error().Err(err).Str("type", e.Type).Msg("marshal reply")
		return
	}
	select {
	case c.send <- data:
	default:
		m.dropSlow(c)
	}
}

// dropSlow disconnects c. A connection already dropped by a nested
// broadcast is skipped.
func (m *Manager) dropSlow(c *client) {
	if _, ok := m.clients[c]; !ok {
		return
	}
	m.metrics.SlowConsumers.Inc()
	m.log.Warn().Str("conn", c.id).Str("user", c.userID).Msg("dropping slow connection")
	m.removeClient(c)
}

func (m *Manager) reject(c *client, reason, message string) {
	m.metrics.Rejected.WithLabelValues(reason).Inc()
	m.sendTo(c, protocol.ErrorEnvelope(message))
}

func (m *Manager) label(typ string) string {
	switch typ {
	case protocol.TypeJoinChannel, protocol.TypeLeaveChannel, protocol.TypeInitState,
		protocol.TypeUserList, protocol.TypeUserJoined, protocol.TypePing, protocol.TypePong,
		protocol.TypeRoomLockToggle, protocol.TypeUploadToCloud:
		return typ
	}
	if _, _, ok := m.schemas.Lookup(typ); ok {
		return typ
	}
	return "unknown"
}

func newChannel(name string, state crud.State) *Channel {
	return &Channel{
		name:    name,
		users:   make(map[string]protocol.User),
		sockets: make(map[string]*client),
		state:   state,
	}
}

func (ch *Channel) userList() []protocol.User {
	out := make([]protocol.User, 0, len(ch.users))
	for _, u := range ch.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserUUID < out[j].UserUUID
	})
	return out
}

func (ch *Channel) info() ChannelInfo {
	return ChannelInfo{Name: ch.name, Users: ch.userList(), Locked: ch.locked, Seq: ch.seq}
}
