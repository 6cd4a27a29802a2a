package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
)

func TestEnvelopeWireShape(t *testing.T) {
	env := Must(EventRoomJoin, JoinRoomPayload{RoomCode: "ABC123", Nickname: "gus"})
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"room:join","data":{"roomCode":"ABC123","nickname":"gus"}}`, string(raw))

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	var p JoinRoomPayload
	require.NoError(t, back.Decode(&p))
	assert.Equal(t, "gus", p.Nickname)
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(EventConnect, nil)
	require.NoError(t, err)
	assert.Empty(t, env.Data)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"connect"}`, string(raw))
}

func TestNewEnvelopeMarshalError(t *testing.T) {
	_, err := NewEnvelope(EventGameError, make(chan int))
	assert.Error(t, err)
	assert.Panics(t, func() { Must(EventGameError, make(chan int)) })
}

func TestDecodeErrorsAreInvalidRequest(t *testing.T) {
	var p FlipCardPayload

	err := Envelope{Event: EventGameFlipCard}.Decode(&p)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = Envelope{Event: EventGameFlipCard, Data: json.RawMessage(`{"cardId":7}`)}.Decode(&p)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, CodeInvalidRequest, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{room.ErrRoomNotFound, CodeRoomNotFound},
		{room.ErrRoomFull, CodeRoomFull},
		{room.ErrUnauthorized, CodeUnauthorized},
		{room.ErrNotEnoughPlayers, CodeNotEnoughPlayers},
		{engine.ErrNotEnoughPlayers, CodeNotEnoughPlayers},
		{engine.ErrNotYourTurn, CodeNotYourTurn},
		{engine.ErrInvalidCard, CodeInvalidCardState},
		{engine.ErrTwoCardsFlipped, CodeInvalidCardState},
		{ErrConnectionLost, CodeConnectionLost},
		{fmt.Errorf("flip c3: %w", engine.ErrNotYourTurn), CodeNotYourTurn},
		{errors.New("something else"), CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.want, CodeOf(tc.err))
		})
	}
}

func TestErrorEnvelope(t *testing.T) {
	env := ErrorEnvelope(fmt.Errorf("join XYZ: %w", room.ErrRoomFull))
	assert.Equal(t, EventGameError, env.Event)

	var p ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, CodeRoomFull, p.Code)
	assert.Contains(t, p.Message, "join XYZ")
}
