package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/electr1fy0/tandem/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEnvelopeFlatWireFormat(t *testing.T) {
	t.Parallel()

	env := protocol.Envelope{
		Type:            "add-goal",
		UserUUID:        "u1",
		ChannelName:     "alpha",
		Timestamp:       1000,
		ServerTimestamp: 1001,
		Seq:             3,
		Payload:         map[string]any{"id": "g1", "text": "Ship v1"},
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, "add-goal", flat["type"])
	assert.Equal(t, "g1", flat["id"])
	assert.Equal(t, "alpha", flat["channelName"])
	assert.EqualValues(t, 3, flat["seq"])

	got, err := protocol.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.Equal(t, int64(1001), got.EffectiveTimestamp())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{`nope`, `{"type":`, ``, `null`, `[]`, `{"id":"x"}`, `{"type":""}`, `{"type":5}`} {
		_, err := protocol.Decode([]byte(raw))
		assert.ErrorIs(t, err, protocol.ErrMalformed, raw)
	}
}

func TestPeekType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ping", protocol.PeekType([]byte(`{"type":"ping","timestamp":1}`)))
	assert.Equal(t, "", protocol.PeekType([]byte(`garbage`)))
}

func TestValidChannelName(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"alpha", "Team_42", "_", "ABC"} {
		assert.True(t, protocol.ValidChannelName(ok), ok)
	}
	for _, bad := range []string{"", "my-room", "my room", "../etc", "alpha.json", "ümlaut"} {
		assert.False(t, protocol.ValidChannelName(bad), bad)
	}
}

func TestParseJoin(t *testing.T) {
	t.Parallel()

	req, err := protocol.ParseJoin(protocol.Envelope{
		Type:        protocol.TypeJoinChannel,
		UserUUID:    "u1",
		ChannelName: "alpha",
		Payload:     map[string]any{"displayName": "Ada"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ada", req.DisplayName)
	assert.Equal(t, protocol.ColorFor("alpha", "u1"), req.Color)

	_, err = protocol.ParseJoin(protocol.Envelope{
		Type:        protocol.TypeJoinChannel,
		UserUUID:    "u1",
		ChannelName: "my-room",
		Payload:     map[string]any{"displayName": "Ada"},
	})
	require.Error(t, err)

	_, err = protocol.ParseJoin(protocol.Envelope{
		Type:        protocol.TypeJoinChannel,
		ChannelName: "alpha",
		Payload:     map[string]any{"displayName": "Ada"},
	})
	require.Error(t, err, "missing user")

	_, err = protocol.ParseJoin(protocol.Envelope{
		Type:        protocol.TypeJoinChannel,
		UserUUID:    "u1",
		ChannelName: "alpha",
		Payload:     map[string]any{"displayName": "Ada", "color": "red"},
	})
	require.Error(t, err, "bad color")
}

func TestColorForIsStable(t *testing.T) {
	t.Parallel()

	a := protocol.ColorFor("alpha", "u1")
	assert.Equal(t, a, protocol.ColorFor("alpha", "u1"))
	assert.Regexp(t, `^#[0-9a-f]{6}$`, a)
}

func TestPresence(t *testing.T) {
	t.Parallel()

	assert.True(t, protocol.Presence(protocol.TypeUserList))
	assert.True(t, protocol.Presence(protocol.TypeInitState))
	assert.False(t, protocol.Presence("add-goal"))
}
