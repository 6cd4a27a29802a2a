package engine

import (
	"errors"
	"math/rand"
	"testing"
)

func TestBuildDeckPairsAreMutual(t *testing.T) {
	cards, err := BuildDeck(DefaultRules(), rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(cards) != 12 {
		t.Fatalf("want 12 cards, got %d", len(cards))
	}

	byID := map[string]Card{}
	for i, c := range cards {
		if c.Position != i {
			t.Fatalf("card %s at slot %d has position %d", c.ID, i, c.Position)
		}
		if _, dup := byID[c.ID]; dup {
			t.Fatalf("duplicate card id %s", c.ID)
		}
		byID[c.ID] = c
	}

	counts := map[Difficulty]int{}
	for _, c := range cards {
		partner, ok := byID[c.MatchingCardID]
		if !ok {
			t.Fatalf("card %s points at missing partner %s", c.ID, c.MatchingCardID)
		}
		if partner.MatchingCardID != c.ID {
			t.Fatalf("card %s and %s are not mutual", c.ID, partner.ID)
		}
		if partner.Type == c.Type {
			t.Fatalf("pair %s/%s should be one bug and one solution", c.ID, partner.ID)
		}
		counts[c.Difficulty]++
	}
	for _, d := range difficultyOrder {
		if counts[d] != 4 {
			t.Fatalf("difficulty %s: want 4 cards, got %d", d, counts[d])
		}
	}
}

func TestDistributionResolve(t *testing.T) {
	cases := []struct {
		name  string
		dist  Distribution
		pairs int
		want  map[Difficulty]int
	}{
		{"exact", Distribution{2, 2, 2}, 6, map[Difficulty]int{DifficultyEasy: 2, DifficultyMedium: 2, DifficultyHard: 2}},
		{"short fills easy first", Distribution{0, 1, 1}, 4, map[Difficulty]int{DifficultyEasy: 2, DifficultyMedium: 1, DifficultyHard: 1}},
		{"long trims hard first", Distribution{2, 2, 4}, 5, map[Difficulty]int{DifficultyEasy: 2, DifficultyMedium: 2, DifficultyHard: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.dist.resolve(tc.pairs)
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			for d, n := range tc.want {
				if got[d] != n {
					t.Fatalf("%s: got %d, want %d", d, got[d], n)
				}
			}
		})
	}
}

func TestBuildDeckTooLarge(t *testing.T) {
	rules := DefaultRules()
	rules.Pairs = 100
	_, err := BuildDeck(rules, rand.New(rand.NewSource(1)))
	if !errors.Is(err, ErrDeckTooLarge) {
		t.Fatalf("want ErrDeckTooLarge, got %v", err)
	}
}
