// Package session mirrors one client's view of the game: who it is, which
// room it is in and the latest game snapshot. Inbound events are folded in
// by Reduce; Store adds guarded intents, the turn countdown and persistence.
package session

import (
	"fmt"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

type Error struct {
	Message string     `json:"message"`
	Code    types.Code `json:"code,omitempty"`
}

// State is a value. Reduce never mutates the State or Game it is given, so
// older states stay valid after a new one is produced.
type State struct {
	PlayerID  string
	Nickname  string
	Connected bool

	RoomCode   string
	IsHost     bool
	Players    []room.Player // host first, then by join time
	Status     room.Status
	MaxPlayers int

	Game     *engine.State
	TimeLeft int // seconds, local countdown mirror

	Error  *Error
	Notice string

	// Set while a create or join is in flight.
	Transitioning bool
	// Cards flipped locally but not yet confirmed by the server.
	PendingFlips []string
}

// Empty is the state of a connected client that is in no room.
func Empty(s State) State {
	return State{
		PlayerID:   s.PlayerID,
		Nickname:   s.Nickname,
		Connected:  s.Connected,
		Status:     room.StatusWaiting,
		MaxPlayers: room.MaxPlayers,
	}
}

// Reduce folds one inbound event into s. Every event replaces the slice of
// state it carries wholesale. Unknown or malformed events leave s as is.
func Reduce(s State, env types.Envelope) State {
	switch env.Event {
	case types.EventSessionInit:
		var p types.SessionInitPayload
		if env.Decode(&p) == nil {
			s.PlayerID = p.PlayerID
		}

	case types.EventRoomCreated:
		var p types.RoomCreatedPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.RoomCode = p.RoomCode
		s.setPlayers(p.Players)
		s.Status = room.StatusWaiting
		s.Transitioning = false
		s.Error = nil

	case types.EventRoomJoined:
		var p types.RoomJoinedPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.RoomCode = p.RoomCode
		s.setPlayers(p.Players)
		s.Status = p.Status
		s.Transitioning = false
		s.Error = nil

	case types.EventRoomUpdated:
		var p types.RoomUpdatedPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.RoomCode = p.RoomCode
		s.setPlayers(p.Players)
		s.Status = p.Status
		s.MaxPlayers = p.MaxPlayers

	case types.EventRoomClosed:
		var p types.RoomClosedPayload
		_ = env.Decode(&p)
		s = Empty(s)
		s.Notice = p.Reason

	case types.EventPlayerJoined:
		var p types.PlayerRef
		if env.Decode(&p) == nil {
			s.Notice = fmt.Sprintf("%s joined the room", p.Nickname)
		}

	case types.EventPlayerLeft:
		var p types.PlayerRef
		if env.Decode(&p) == nil {
			s.Notice = fmt.Sprintf("%s left the room", orName(p.Nickname, "Your opponent"))
		}

	case types.EventGameStarted:
		var g engine.State
		if env.Decode(&g) != nil {
			return s
		}
		s.Game = &g
		s.TimeLeft = g.TurnTimeLeft
		s.Status = room.StatusPlaying
		s.PendingFlips = nil
		s.Error = nil
		s.Notice = ""

	case types.EventGameCardFlipped:
		var p types.CardFlippedPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Game = &p.GameState
		s.TimeLeft = p.TimeLeft
		s.PendingFlips = without(s.PendingFlips, p.CardID)

	case types.EventGameMatch:
		var p types.MatchPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Game = &p.GameState
		s.TimeLeft = p.GameState.TurnTimeLeft
		s.PendingFlips = nil
		s.Notice = p.Message

	case types.EventGameNoMatch:
		var p types.NoMatchPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Game = &p.GameState
		s.PendingFlips = nil
		s.Notice = p.Message

	case types.EventGameTurnChanged:
		var p types.TurnChangedPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Game = &p.GameState
		s.TimeLeft = p.GameState.TurnTimeLeft
		s.PendingFlips = nil
		s.Notice = p.Message

	case types.EventGameOver:
		var p types.GameOverPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Game = &p.GameState
		s.TimeLeft = 0
		s.PendingFlips = nil
		s.Notice = p.Message

	case types.EventGameError:
		var p types.ErrorPayload
		if env.Decode(&p) != nil {
			return s
		}
		s.Error = &Error{Message: p.Message, Code: p.Code}
		s.Transitioning = false
		s.PendingFlips = nil

	case types.EventConnect, types.EventReconnect:
		s.Connected = true
		if s.Error != nil && s.Error.Code == types.CodeConnectionLost {
			s.Error = nil
		}
		s.Notice = ""

	case types.EventDisconnect:
		var p types.DisconnectPayload
		_ = env.Decode(&p)
		s.Connected = false
		s.Transitioning = false
		s.Notice = orName(p.Reason, "disconnected")

	case types.EventConnectError:
		s.Connected = false
		s.Transitioning = false

	case types.EventReconnectAttempt:
		var p types.AttemptPayload
		if env.Decode(&p) == nil {
			s.Notice = fmt.Sprintf("Reconnecting (attempt %d)...", p.Attempt)
		}

	case types.EventReconnectFailed:
		s.Connected = false
		s.Transitioning = false
		s.Error = &Error{Message: "Connection to the server was lost.", Code: types.CodeConnectionLost}
	}
	return s
}

func (s *State) setPlayers(players map[string]room.Player) {
	s.Players = room.Room{Players: players}.Ordered()
	s.IsHost = false
	for _, p := range s.Players {
		if p.ID == s.PlayerID {
			s.IsHost = p.IsHost
		}
	}
}

// without returns ids minus id in a fresh slice, leaving ids untouched.
func without(ids []string, id string) []string {
	var out []string
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func orName(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func IsMyTurn(s State) bool {
	return s.Game != nil &&
		s.Game.Status == engine.StatusPlaying &&
		s.PlayerID != "" &&
		s.Game.CurrentTurn == s.PlayerID
}

func Me(s State) (room.Player, bool) {
	for _, p := range s.Players {
		if p.ID == s.PlayerID {
			return p, true
		}
	}
	return room.Player{}, false
}

func Opponent(s State) (room.Player, bool) {
	for _, p := range s.Players {
		if p.ID != s.PlayerID {
			return p, true
		}
	}
	return room.Player{}, false
}

// InRoom reports whether the client already belongs to a room or is about
// to.
func InRoom(s State) bool {
	return s.RoomCode != "" || s.Transitioning
}
