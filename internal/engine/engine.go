package engine

import (
	"errors"
	"fmt"
)

var ErrNotPlaying = errors.New("game is not in progress")
var ErrNotYourTurn = errors.New("not your turn")
var ErrInvalidCard = errors.New("card cannot be flipped")
var ErrTwoCardsFlipped = errors.New("two cards already flipped")
var ErrStaleTimeout = errors.New("stale turn timeout")
var ErrNothingToResolve = errors.New("no flipped pair to resolve")
var ErrNotEnoughPlayers = errors.New("not enough players")
var ErrUnknownPlayer = errors.New("unknown player")
var ErrUnsupportedCommand = errors.New("unsupported command")

type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

type CardType string

const (
	CardBug      CardType = "bug"
	CardSolution CardType = "solution"
)

type Card struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	Difficulty     Difficulty `json:"difficulty"`
	Type           CardType   `json:"type"`
	MatchingCardID string     `json:"matchingCardId"`
	Position       int        `json:"position"`
	IsFlipped      bool       `json:"isFlipped"`
	IsMatched      bool       `json:"isMatched"`
	FlippedBy      string     `json:"flippedBy,omitempty"`
}

type PlayerStats struct {
	ID           string `json:"id"`
	Nickname     string `json:"nickname"`
	Score        int    `json:"score"`
	MatchesFound int    `json:"matchesFound"`
	IsHost       bool   `json:"isHost"`
	IsReady      bool   `json:"isReady"`
	JoinedAt     int64  `json:"joinedAt"`
}

type Winner struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Score    int    `json:"score"`
}

// State is the authoritative snapshot of one match. It is also the
// gameState payload broadcast to both players, so it is always handled by
// value and cloned before mutation.
type State struct {
	GameID          string                 `json:"gameId"`
	Cards           []Card                 `json:"cards"`
	Players         map[string]PlayerStats `json:"players"`
	Order           []string               `json:"playerOrder"`
	CurrentTurn     string                 `json:"currentTurn"`
	FlippedCards    []string               `json:"flippedCards"`
	MatchedCards    []string               `json:"matchedCards"`
	TurnTimeLeft    int                    `json:"turnTimeLeft"`
	Status          Status                 `json:"status"`
	CreatedAt       int64                  `json:"createdAt"`
	StartedAt       int64                  `json:"startedAt,omitempty"`
	EndedAt         int64                  `json:"endedAt,omitempty"`
	Winners         []Winner               `json:"winners,omitempty"`
	IsTie           bool                   `json:"isTie,omitempty"`
	GameOverMessage string                 `json:"gameOverMessage,omitempty"`
	Rules           Rules                  `json:"rules"`
}

type Rules struct {
	Pairs          int          `json:"pairs"`
	Distribution   Distribution `json:"distribution"`
	PointsPerMatch int          `json:"pointsPerMatch"`
	TurnTimeLimit  int          `json:"turnTimeLimit"` // seconds
}

type Distribution struct {
	Easy   int `json:"easy"`
	Medium int `json:"medium"`
	Hard   int `json:"hard"`
}

type CommandType string

const (
	CmdFlipCard       CommandType = "FlipCard"
	CmdResolveNoMatch CommandType = "ResolveNoMatch"
	CmdTurnTimeout    CommandType = "TurnTimeout"
	CmdForfeit        CommandType = "Forfeit"
)

/*
	CmdFlipCard (first card)  -> EvtCardFlipped
	CmdFlipCard (second card) -> EvtCardFlipped -> EvtMatch [-> EvtGameOver]
	                          -> EvtCardFlipped -> EvtNoMatch (cards stay face up)
	CmdResolveNoMatch         -> EvtTurnChanged (both cards hidden again)
	CmdTurnTimeout            -> EvtTurnChanged (single card hidden again, no EvtNoMatch)
	CmdForfeit                -> EvtGameOver
*/

type Command struct {
	Type     CommandType
	PlayerID string
	CardID   string
	At       int64 // unix millis, stamped by the caller
}

type EventType string

const (
	EvtCardFlipped EventType = "CardFlipped"
	EvtMatch       EventType = "Match"
	EvtNoMatch     EventType = "NoMatch"
	EvtTurnChanged EventType = "TurnChanged"
	EvtGameOver    EventType = "GameOver"
)

// Event carries the state as it stood right after the event, so every
// broadcast is a full snapshot.
type Event struct {
	Type     EventType
	PlayerID string
	CardIDs  []string
	Message  string
	State    State
}

func Apply(s State, cmd Command) ([]Event, State, error) {
	if s.Status != StatusPlaying {
		return nil, s, ErrNotPlaying
	}

	switch cmd.Type {
	case CmdFlipCard:
		if cmd.PlayerID != s.CurrentTurn {
			return nil, s, ErrNotYourTurn
		}
		if len(s.FlippedCards) >= 2 {
			return nil, s, ErrTwoCardsFlipped
		}

		idx := s.cardIndex(cmd.CardID)
		if idx < 0 {
			return nil, s, fmt.Errorf("%w: unknown card %q", ErrInvalidCard, cmd.CardID)
		}
		if c := s.Cards[idx]; c.IsMatched || c.IsFlipped {
			return nil, s, fmt.Errorf("%w: card %q already face up", ErrInvalidCard, cmd.CardID)
		}

		newState := s.Clone()
		newState.Cards[idx].IsFlipped = true
		newState.Cards[idx].FlippedBy = cmd.PlayerID
		newState.FlippedCards = append(newState.FlippedCards, cmd.CardID)

		events := []Event{
			{Type: EvtCardFlipped, PlayerID: cmd.PlayerID, CardIDs: []string{cmd.CardID}, State: newState.Clone()},
		}
		if len(newState.FlippedCards) < 2 {
			return events, newState, nil
		}

		first, second := newState.FlippedCards[0], newState.FlippedCards[1]
		if !newState.isPair(first, second) {
			events = append(events, Event{
				Type:     EvtNoMatch,
				PlayerID: cmd.PlayerID,
				CardIDs:  []string{first, second},
				Message:  "No match! Cards will be flipped back.",
				State:    newState.Clone(),
			})
			return events, newState, nil
		}

		for _, id := range []string{first, second} {
			i := newState.cardIndex(id)
			newState.Cards[i].IsMatched = true
		}
		newState.MatchedCards = append(newState.MatchedCards, first, second)
		newState.FlippedCards = []string{}

		p := newState.Players[cmd.PlayerID]
		p.Score += newState.Rules.PointsPerMatch
		p.MatchesFound++
		newState.Players[cmd.PlayerID] = p
		newState.TurnTimeLeft = newState.Rules.TurnTimeLimit

		events = append(events, Event{
			Type:     EvtMatch,
			PlayerID: cmd.PlayerID,
			CardIDs:  []string{first, second},
			Message:  fmt.Sprintf("%s found a match!", p.Nickname),
			State:    newState.Clone(),
		})

		// Completion
		if len(newState.MatchedCards) == len(newState.Cards) {
			finish(&newState, cmd.At, nil)
			events = append(events, Event{
				Type:    EvtGameOver,
				Message: newState.GameOverMessage,
				State:   newState.Clone(),
			})
		}
		return events, newState, nil

	case CmdResolveNoMatch:
		if len(s.FlippedCards) != 2 {
			return nil, s, ErrNothingToResolve
		}
		newState := s.Clone()
		newState.hideFlipped()
		newState.CurrentTurn = nextTurn(newState)
		newState.TurnTimeLeft = newState.Rules.TurnTimeLimit

		return []Event{turnChanged(newState, "")}, newState, nil

	case CmdTurnTimeout:
		// A timeout for anyone but the current player, or one that races a
		// pending no-match reveal, has already been overtaken.
		if cmd.PlayerID != s.CurrentTurn || len(s.FlippedCards) >= 2 {
			return nil, s, ErrStaleTimeout
		}
		newState := s.Clone()
		newState.hideFlipped()
		newState.CurrentTurn = nextTurn(newState)
		newState.TurnTimeLeft = newState.Rules.TurnTimeLimit

		timedOut := s.Players[cmd.PlayerID].Nickname
		return []Event{turnChanged(newState, fmt.Sprintf("%s ran out of time.", timedOut))}, newState, nil

	case CmdForfeit:
		if _, ok := s.Players[cmd.PlayerID]; !ok {
			return nil, s, ErrUnknownPlayer
		}
		newState := s.Clone()
		newState.hideFlipped()

		remaining := make([]string, 0, len(newState.Order))
		for _, id := range newState.Order {
			if id != cmd.PlayerID {
				remaining = append(remaining, id)
			}
		}
		finish(&newState, cmd.At, remaining)

		return []Event{{Type: EvtGameOver, PlayerID: cmd.PlayerID, Message: newState.GameOverMessage, State: newState.Clone()}}, newState, nil

	default:
		return nil, s, ErrUnsupportedCommand
	}
}

func turnChanged(s State, reason string) Event {
	next := s.Players[s.CurrentTurn]
	msg := fmt.Sprintf("It's %s's turn.", next.Nickname)
	if reason != "" {
		msg = reason + " " + msg
	}
	return Event{Type: EvtTurnChanged, PlayerID: s.CurrentTurn, Message: msg, State: s.Clone()}
}

// finish moves the game to Finished. A nil candidates list means every
// player competes on score; otherwise only the listed players can win.
func finish(s *State, at int64, candidates []string) {
	if candidates == nil {
		candidates = s.Order
	}

	best := -1
	var winners []Winner
	for _, id := range candidates {
		p := s.Players[id]
		switch {
		case p.Score > best:
			best = p.Score
			winners = []Winner{{ID: p.ID, Nickname: p.Nickname, Score: p.Score}}
		case p.Score == best:
			winners = append(winners, Winner{ID: p.ID, Nickname: p.Nickname, Score: p.Score})
		}
	}

	s.Status = StatusFinished
	s.EndedAt = at
	s.Winners = winners
	s.IsTie = len(winners) > 1
	s.FlippedCards = []string{}
	s.TurnTimeLeft = 0

	switch {
	case len(winners) == 0:
		s.GameOverMessage = "Game over."
	case s.IsTie:
		s.GameOverMessage = fmt.Sprintf("It's a tie at %d points!", best)
	case len(candidates) < len(s.Order):
		s.GameOverMessage = fmt.Sprintf("%s wins, the opponent left the game.", winners[0].Nickname)
	default:
		s.GameOverMessage = fmt.Sprintf("%s wins with %d points!", winners[0].Nickname, best)
	}
}

func (s *State) hideFlipped() {
	for _, id := range s.FlippedCards {
		if i := s.cardIndex(id); i >= 0 {
			s.Cards[i].IsFlipped = false
			s.Cards[i].FlippedBy = ""
		}
	}
	s.FlippedCards = []string{}
}

func (s State) cardIndex(id string) int {
	for i := range s.Cards {
		if s.Cards[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) isPair(a, b string) bool {
	ia, ib := s.cardIndex(a), s.cardIndex(b)
	if ia < 0 || ib < 0 {
		return false
	}
	return s.Cards[ia].MatchingCardID == b && s.Cards[ib].MatchingCardID == a
}
