package types

import (
	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
)

// Client -> Server

type CreateRoomPayload struct {
	Nickname string `json:"nickname"`
}

type JoinRoomPayload struct {
	RoomCode string `json:"roomCode"`
	Nickname string `json:"nickname"`
}

type LeaveRoomPayload struct {
	RoomCode string `json:"roomCode"`
}

type StartGamePayload struct {
	RoomCode string `json:"roomCode"`
}

type FlipCardPayload struct {
	GameID   string `json:"gameId"`
	RoomCode string `json:"roomCode"`
	CardID   string `json:"cardId"`
}

type TurnTimeoutPayload struct {
	GameID   string `json:"gameId"`
	PlayerID string `json:"playerId"`
}

// Server -> Client

type SessionInitPayload struct {
	PlayerID string `json:"playerId"`
}

type PlayerRef struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname,omitempty"`
}

type RoomCreatedPayload struct {
	RoomCode string                 `json:"roomCode"`
	Host     PlayerRef              `json:"host"`
	Players  map[string]room.Player `json:"players"`
}

type RoomJoinedPayload struct {
	RoomCode string                 `json:"roomCode"`
	Players  map[string]room.Player `json:"players"`
	Status   room.Status            `json:"status"`
}

type RoomUpdatedPayload struct {
	RoomCode       string                 `json:"roomCode"`
	Players        map[string]room.Player `json:"players"`
	Status         room.Status            `json:"status"`
	MaxPlayers     int                    `json:"maxPlayers"`
	CurrentPlayers int                    `json:"currentPlayers"`
}

type RoomClosedPayload struct {
	RoomCode string `json:"roomCode"`
	Reason   string `json:"reason"`
}

type CardFlippedPayload struct {
	GameState engine.State `json:"gameState"`
	CardID    string       `json:"cardId"`
	PlayerID  string       `json:"playerId"`
	TimeLeft  int          `json:"timeLeft"`
}

type MatchPayload struct {
	GameState    engine.State `json:"gameState"`
	PlayerID     string       `json:"playerId"`
	MatchedCards []string     `json:"matchedCards"`
	Message      string       `json:"message"`
}

type NoMatchPayload struct {
	GameState engine.State `json:"gameState"`
	PlayerID  string       `json:"playerId"`
	Cards     []string     `json:"cards"`
	Message   string       `json:"message"`
}

type TurnChangedPayload struct {
	GameState     engine.State `json:"gameState"`
	CurrentPlayer PlayerRef    `json:"currentPlayer"`
	Message       string       `json:"message"`
}

type GameOverPayload struct {
	GameState engine.State    `json:"gameState"`
	Winners   []engine.Winner `json:"winners"`
	IsTie     bool            `json:"isTie"`
	Message   string          `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    Code   `json:"code,omitempty"`
}

// Transport lifecycle payloads

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type AttemptPayload struct {
	Attempt int `json:"attempt"`
}

// RoomSnapshot builds the full membership snapshot broadcast after every
// membership change.
func RoomSnapshot(r room.Room) RoomUpdatedPayload {
	return RoomUpdatedPayload{
		RoomCode:       r.Code,
		Players:        r.Clone().Players,
		Status:         r.Status,
		MaxPlayers:     r.MaxPlayers,
		CurrentPlayers: len(r.Players),
	}
}
