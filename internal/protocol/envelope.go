// Package protocol defines the JSON envelopes exchanged over the channel
// websocket.
package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"golang.org/x/xerrors"
)

const (
	TypeJoinChannel    = "join-channel"
	TypeLeaveChannel   = "leave-channel"
	TypeInitState      = "init-state"
	TypeUserList       = "user-list"
	TypeUserJoined     = "user-joined"
	TypeError          = "error"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeRoomLockToggle = "room-lock-toggle"
	TypeUploadToCloud  = "upload-to-cloud"
	TypeUploadComplete = "upload-complete"
)

// Error messages sent to clients.
const (
	ErrMsgInvalidChannel = "Invalid channel name or data"
	ErrMsgChannelLocked  = "Channel is Locked"
	ErrMsgMalformed      = "Malformed message"
	ErrMsgNotJoined      = "Not joined to a channel"
	ErrMsgRateLimited    = "Rate limit exceeded"
)

var ErrMalformed = xerrors.New("malformed envelope")

// reserved keys are lifted out of the payload into Envelope fields.
var reserved = [...]string{"type", "userUuid", "channelName", "timestamp", "serverTimestamp", "seq"}

// Envelope is one websocket frame. On the wire it is a single flat JSON
// object: the named fields plus every payload field.
type Envelope struct {
	Type            string
	UserUUID        string
	ChannelName     string
	Timestamp       int64
	ServerTimestamp int64
	// Seq is the per-channel broadcast sequence number, 0 when not a broadcast.
	Seq     uint64
	Payload map[string]any
}

// EffectiveTimestamp prefers the server stamp.
func (e Envelope) EffectiveTimestamp() int64 {
	if e.ServerTimestamp != 0 {
		return e.ServerTimestamp
	}
	return e.Timestamp
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Payload)+len(reserved))
	for k, v := range e.Payload {
		m[k] = v
	}
	m["type"] = e.Type
	if e.UserUUID != "" {
		m["userUuid"] = e.UserUUID
	}
	if e.ChannelName != "" {
		m["channelName"] = e.ChannelName
	}
	if e.Timestamp != 0 {
		m["timestamp"] = e.Timestamp
	}
	if e.ServerTimestamp != 0 {
		m["serverTimestamp"] = e.ServerTimestamp
	}
	if e.Seq != 0 {
		m["seq"] = e.Seq
	}
	return json.Marshal(m)
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return xerrors.Errorf("%s: %w", err.Error(), ErrMalformed)
	}
	if m == nil {
		return xerrors.Errorf("not an object: %w", ErrMalformed)
	}
	typ, ok := m["type"].(string)
	if !ok || typ == "" {
		return xerrors.Errorf("missing type: %w", ErrMalformed)
	}

	*e = Envelope{Type: typ}
	e.UserUUID, _ = m["userUuid"].(string)
	e.ChannelName, _ = m["channelName"].(string)
	if f, ok := m["timestamp"].(float64); ok {
		e.Timestamp = int64(f)
	}
	if f, ok := m["serverTimestamp"].(float64); ok {
		e.ServerTimestamp = int64(f)
	}
	if f, ok := m["seq"].(float64); ok && f > 0 {
		e.Seq = uint64(f)
	}
	for _, k := range reserved {
		delete(m, k)
	}
	e.Payload = m
	return nil
}

// Decode parses a frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		if xerrors.Is(err, ErrMalformed) {
			return Envelope{}, err
		}
		// Syntax errors surface before UnmarshalJSON runs.
		return Envelope{}, xerrors.Errorf("%v: %w", err, ErrMalformed)
	}
	return e, nil
}

// PeekType reads the type of a frame without decoding the rest of it.
func PeekType(data []byte) string {
	return gjson.GetBytes(data, "type").String()
}

// String returns a string payload field.
func (e Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Bool returns a bool payload field and whether it was present.
func (e Envelope) Bool(key string) (bool, bool) {
	b, ok := e.Payload[key].(bool)
	return b, ok
}

// New builds an envelope with the given payload.
func New(typ string, payload map[string]any) Envelope {
	return Envelope{Type: typ, Payload: payload}
}

// ErrorEnvelope builds an error frame for a single connection.
func ErrorEnvelope(message string) Envelope {
	return New(TypeError, map[string]any{"message": message})
}
