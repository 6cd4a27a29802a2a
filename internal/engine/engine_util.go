package engine

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"
)

func DefaultRules() Rules {
	return Rules{
		Pairs:          6,
		Distribution:   Distribution{Easy: 2, Medium: 2, Hard: 2},
		PointsPerMatch: 10,
		TurnTimeLimit:  30,
	}
}

// NewGame deals a fresh deck for exactly two players. The first player in
// players takes the first turn; scores always start at zero.
func NewGame(rules Rules, gameID string, players []PlayerStats, rng *rand.Rand, now int64) (State, error) {
	if len(players) != 2 {
		return State{}, fmt.Errorf("%w: need 2, have %d", ErrNotEnoughPlayers, len(players))
	}

	cards, err := BuildDeck(rules, rng)
	if err != nil {
		return State{}, err
	}

	s := State{
		GameID:       gameID,
		Cards:        cards,
		Players:      make(map[string]PlayerStats, len(players)),
		Order:        make([]string, 0, len(players)),
		FlippedCards: []string{},
		MatchedCards: []string{},
		TurnTimeLeft: rules.TurnTimeLimit,
		Status:       StatusPlaying,
		CreatedAt:    now,
		StartedAt:    now,
		Rules:        rules,
	}
	for _, p := range players {
		p.Score = 0
		p.MatchesFound = 0
		s.Players[p.ID] = p
		s.Order = append(s.Order, p.ID)
	}
	s.CurrentTurn = s.Order[0]
	return s, nil
}

func (s State) Clone() State {
	c := s
	c.Cards = slices.Clone(s.Cards)
	c.Players = maps.Clone(s.Players)
	c.Order = cloneIDs(s.Order)
	c.FlippedCards = cloneIDs(s.FlippedCards)
	c.MatchedCards = cloneIDs(s.MatchedCards)
	c.Winners = slices.Clone(s.Winners)
	return c
}

func cloneIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func (s State) Card(id string) (Card, bool) {
	if i := s.cardIndex(id); i >= 0 {
		return s.Cards[i], true
	}
	return Card{}, false
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// CheckInvariants reports the first broken invariant of a playing or
// finished game.
func CheckInvariants(s State) error {
	if len(s.FlippedCards) > 2 {
		return fmt.Errorf("flipped cards: %d > 2", len(s.FlippedCards))
	}
	for _, id := range s.FlippedCards {
		if slices.Contains(s.MatchedCards, id) {
			return fmt.Errorf("card %s is both flipped and matched", id)
		}
	}
	if s.Status == StatusPlaying {
		if _, ok := s.Players[s.CurrentTurn]; !ok {
			return fmt.Errorf("current turn %q is not a player", s.CurrentTurn)
		}
	}

	matches := 0
	for _, p := range s.Players {
		matches += p.MatchesFound
	}
	if matches*2 != len(s.MatchedCards) {
		return fmt.Errorf("matches found %d does not cover %d matched cards", matches, len(s.MatchedCards))
	}
	if len(s.MatchedCards) > len(s.Cards) {
		return fmt.Errorf("matched %d of %d cards", len(s.MatchedCards), len(s.Cards))
	}
	return nil
}
