// Package room holds the membership rules of a two-player room. Values are
// plain data; the lobby actor owns the only mutable copy of each room.
package room

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var ErrInvalidNickname = errors.New("nickname is required")
var ErrRoomFull = errors.New("room is full")
var ErrAlreadyMember = errors.New("player already in room")
var ErrNotMember = errors.New("player not in room")
var ErrUnauthorized = errors.New("only the host can start the game")
var ErrNotEnoughPlayers = errors.New("two ready players are required")
var ErrAlreadyPlaying = errors.New("game already in progress")
var ErrRoomNotFound = errors.New("room not found")

const MaxPlayers = 2

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusReady   Status = "ready"
	StatusPlaying Status = "playing"
)

type Player struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	IsHost   bool   `json:"isHost"`
	IsReady  bool   `json:"isReady"`
	JoinedAt int64  `json:"joinedAt"`
}

type Room struct {
	Code       string            `json:"roomCode"`
	HostID     string            `json:"hostId"`
	Players    map[string]Player `json:"players"`
	Status     Status            `json:"status"`
	MaxPlayers int               `json:"maxPlayers"`
	CreatedAt  int64             `json:"createdAt"`
}

func New(code, hostID, nickname string, now time.Time) (Room, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return Room{}, ErrInvalidNickname
	}
	r := Room{
		Code:       code,
		HostID:     hostID,
		Players:    map[string]Player{},
		Status:     StatusWaiting,
		MaxPlayers: MaxPlayers,
		CreatedAt:  now.UnixMilli(),
	}
	r.Players[hostID] = Player{ID: hostID, Nickname: nickname, IsHost: true, IsReady: true, JoinedAt: now.UnixMilli()}
	return r, nil
}

// Join admits a second player. Players are ready as soon as they are
// admitted; the protocol has no separate ready toggle.
func (r *Room) Join(id, nickname string, now time.Time) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return ErrInvalidNickname
	}
	if _, ok := r.Players[id]; ok {
		return ErrAlreadyMember
	}
	if r.Status == StatusPlaying || len(r.Players) >= r.MaxPlayers {
		return ErrRoomFull
	}
	r.Players[id] = Player{ID: id, Nickname: nickname, IsReady: true, JoinedAt: now.UnixMilli()}
	r.recompute()
	return nil
}

// Leave removes a player. When the host leaves, the longest-standing
// remaining player is promoted so the room always has exactly one host.
func (r *Room) Leave(id string) error {
	if _, ok := r.Players[id]; !ok {
		return ErrNotMember
	}
	delete(r.Players, id)

	if id == r.HostID {
		r.HostID = ""
		if next, ok := r.oldest(); ok {
			next.IsHost = true
			r.Players[next.ID] = next
			r.HostID = next.ID
		}
	}
	if r.Status != StatusPlaying {
		r.recompute()
	}
	return nil
}

func (r *Room) CanStart(playerID string) error {
	if playerID != r.HostID {
		return ErrUnauthorized
	}
	if r.Status == StatusPlaying {
		return ErrAlreadyPlaying
	}
	if len(r.Players) != r.MaxPlayers {
		return ErrNotEnoughPlayers
	}
	for _, p := range r.Players {
		if !p.IsReady {
			return ErrNotEnoughPlayers
		}
	}
	return nil
}

func (r *Room) MarkPlaying() { r.Status = StatusPlaying }

func (r Room) Empty() bool { return len(r.Players) == 0 }

func (r Room) Has(id string) bool {
	_, ok := r.Players[id]
	return ok
}

// Ordered lists players host first, then by join time.
func (r Room) Ordered() []Player {
	out := make([]Player, 0, len(r.Players))
	for _, p := range r.Players {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Player) int {
		switch {
		case a.IsHost != b.IsHost:
			if a.IsHost {
				return -1
			}
			return 1
		case a.JoinedAt != b.JoinedAt:
			if a.JoinedAt < b.JoinedAt {
				return -1
			}
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	return out
}

func (r Room) Clone() Room {
	c := r
	c.Players = make(map[string]Player, len(r.Players))
	for id, p := range r.Players {
		c.Players[id] = p
	}
	return c
}

func (r *Room) recompute() {
	if len(r.Players) >= r.MaxPlayers {
		r.Status = StatusReady
	} else {
		r.Status = StatusWaiting
	}
}

func (r Room) oldest() (Player, bool) {
	var best Player
	found := false
	for _, p := range r.Players {
		if !found || p.JoinedAt < best.JoinedAt || (p.JoinedAt == best.JoinedAt && p.ID < best.ID) {
			best = p
			found = true
		}
	}
	return best, found
}
