// Package types defines the wire protocol shared by the server and the
// client session: every frame is a JSON envelope {"event": name, "data": payload}.
package types

import (
	"encoding/json"
	"fmt"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data as the payload of event.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Must is NewEnvelope for payloads that are plain structs and cannot fail
// to marshal.
func Must(event string, data any) Envelope {
	env, err := NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	return env
}

func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidRequest, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidRequest, e.Event, err)
	}
	return nil
}

// Client -> Server
const (
	EventRoomCreate      = "room:create"
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
	EventRoomStartGame   = "room:startGame"
	EventGameFlipCard    = "game:flipCard"
	EventGameTurnTimeout = "game:turnTimeout"
)

// Server -> Client
const (
	EventSessionInit     = "session:init"
	EventRoomCreated     = "room:created"
	EventRoomJoined      = "room:joined"
	EventRoomUpdated     = "room:updated"
	EventRoomClosed      = "room:closed"
	EventGameStarted     = "game:started"
	EventGameCardFlipped = "game:cardFlipped"
	EventGameMatch       = "game:match"
	EventGameNoMatch     = "game:noMatch"
	EventGameTurnChanged = "game:turnChanged"
	EventGameOver        = "game:over"
	EventGameError       = "game:error"
	EventPlayerJoined    = "player:joined"
	EventPlayerLeft      = "player:left"
)

// Transport lifecycle events, synthesized locally by the client connection.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnect        = "reconnect"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)
