package types

import (
	"errors"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
)

var ErrInvalidRequest = errors.New("invalid request")
var ErrConnectionLost = errors.New("connection lost")

type Code string

const (
	CodeInvalidRequest   Code = "InvalidRequest"
	CodeRoomNotFound     Code = "RoomNotFound"
	CodeRoomFull         Code = "RoomFull"
	CodeUnauthorized     Code = "Unauthorized"
	CodeNotEnoughPlayers Code = "NotEnoughPlayers"
	CodeNotYourTurn      Code = "NotYourTurn"
	CodeInvalidCardState Code = "InvalidCardState"
	CodeConnectionLost   Code = "ConnectionLost"
)

var codes = []struct {
	err  error
	code Code
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
}

// CodeOf maps an error to its wire code. Anything unrecognised is reported
// as a bad request.
func CodeOf(err error) Code {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInvalidRequest
}

func ErrorEnvelope(err error) Envelope {
	return Must(EventGameError, ErrorPayload{Message: err.Error(), Code: CodeOf(err)})
}
