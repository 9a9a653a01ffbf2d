package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleHost, ParseRole("host"))
	assert.Equal(t, RoleClient, ParseRole("client"))
	assert.Equal(t, RoleClient, ParseRole(""))
	assert.Equal(t, RoleClient, ParseRole("HOST"))
	assert.Equal(t, RoleClient, ParseRole("moderator"))
}

func TestRole_InitiatesOffer(t *testing.T) {
	assert.True(t, RoleClient.InitiatesOffer())
	assert.False(t, RoleHost.InitiatesOffer())
}

func TestLinkState(t *testing.T) {
	assert.Equal(t, "negotiating", LinkNegotiating.String())
	assert.Equal(t, "unknown", LinkState(99).String())

	assert.False(t, LinkNew.Terminal())
	assert.False(t, LinkNegotiating.Terminal())
	assert.False(t, LinkConnected.Terminal())
	assert.True(t, LinkDisconnected.Terminal())
	assert.True(t, LinkFailed.Terminal())
	assert.True(t, LinkClosed.Terminal())
}

func TestNewRoomCode(t *testing.T) {
	seen := make(map[RoomID]bool)
	for i := 0; i < 50; i++ {
		code := NewRoomCode()
		require.Len(t, string(code), RoomCodeLength)
		assert.Regexp(t, `^[0-9A-Z]{7}$`, string(code))
		seen[code] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestNormalizeRoomID(t *testing.T) {
	assert.Equal(t, RoomID("ABC12XY"), NormalizeRoomID("  abc12xy "))
}

func TestMessageType_BodyKey(t *testing.T) {
	assert.Equal(t, "offer", MessageOffer.BodyKey())
	assert.Equal(t, "answer", MessageAnswer.BodyKey())
	assert.Equal(t, "candidate", MessageICECandidate.BodyKey())
	assert.Equal(t, "", MessageJoinRoom.BodyKey())
	assert.True(t, MessageICECandidate.Relayed())
	assert.False(t, MessageUserJoined.Relayed())
}

func TestSignalMessage_WireShape(t *testing.T) {
	msg, err := NewMessage(MessageJoinRoom, JoinRoomPayload{RoomID: "ROOM1", Role: RoleHost})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join-room","payload":{"roomId":"ROOM1","role":"host"}}`, string(raw))

	userJoined, err := NewMessage(MessageUserJoined, ConnectionID("abc"))
	require.NoError(t, err)
	raw, err = json.Marshal(userJoined)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user-joined","payload":"abc"}`, string(raw))
}

func TestSignalMessage_Decode(t *testing.T) {
	var msg SignalMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"offer","payload":{"offer":{"type":"offer","sdp":"v=0"},"from":"x"}}`), &msg))

	var offer OfferPayload
	require.NoError(t, msg.Decode(&offer))
	assert.Equal(t, ConnectionID("x"), offer.From)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Offer))

	empty := SignalMessage{Type: MessageOffer}
	err := empty.Decode(&offer)
	assert.True(t, errors.Is(err, ErrMalformedMessage))

	bad := SignalMessage{Type: MessageJoinRoom, Payload: json.RawMessage(`"not-an-object"`)}
	err = bad.Decode(&JoinRoomPayload{})
	assert.True(t, errors.Is(err, ErrMalformedMessage))
}
