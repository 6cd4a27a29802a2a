package engine

import (
	"errors"
	"fmt"
	"math/rand"
)

var ErrDeckTooLarge = errors.New("not enough card pairs for requested deck")

type pairSpec struct {
	Bug string
	Fix string
}

var catalog = map[Difficulty][]pairSpec{
	DifficultyEasy: {
		{Bug: "Missing semicolon", Fix: "Add the semicolon"},
		{Bug: "Typo in variable name", Fix: "Rename to the declared identifier"},
		{Bug: "Off-by-one in loop bound", Fix: "Use < instead of <="},
		{Bug: "Unclosed string literal", Fix: "Close the quote"},
		{Bug: "Wrong import path", Fix: "Point the import at the module path"},
		{Bug: "Unused variable breaks the build", Fix: "Remove it or assign to _"},
	},
	DifficultyMedium: {
		{Bug: "Nil pointer dereference", Fix: "Check for nil before use"},
		{Bug: "Ignored error return", Fix: "Handle or wrap the error"},
		{Bug: "Loop variable captured by closure", Fix: "Copy the variable per iteration"},
		{Bug: "Map written after being read concurrently", Fix: "Guard the map with a mutex"},
		{Bug: "Integer overflow on large input", Fix: "Use a wider integer type"},
		{Bug: "Timezone-dependent test", Fix: "Pin the clock to UTC"},
	},
	DifficultyHard: {
		{Bug: "Data race on shared counter", Fix: "Use sync/atomic"},
		{Bug: "Goroutine leak on cancelled request", Fix: "Select on ctx.Done()"},
		{Bug: "Deadlock from lock ordering", Fix: "Acquire locks in a fixed order"},
		{Bug: "Memory leak from unbounded cache", Fix: "Add eviction with a size limit"},
		{Bug: "SQL injection in search query", Fix: "Use parameterized queries"},
		{Bug: "Stale read after failover", Fix: "Read from the primary"},
	},
}

var difficultyOrder = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// resolve fits the distribution to pairs: extra pairs come from easy first,
// missing ones are trimmed from hard first. Each bucket is capped by the
// catalog size.
func (d Distribution) resolve(pairs int) (map[Difficulty]int, error) {
	counts := map[Difficulty]int{
		DifficultyEasy:   max(d.Easy, 0),
		DifficultyMedium: max(d.Medium, 0),
		DifficultyHard:   max(d.Hard, 0),
	}
	total := 0
	for _, diff := range difficultyOrder {
		if counts[diff] > len(catalog[diff]) {
			counts[diff] = len(catalog[diff])
		}
		total += counts[diff]
	}

	for i := len(difficultyOrder) - 1; i >= 0 && total > pairs; i-- {
		diff := difficultyOrder[i]
		cut := min(counts[diff], total-pairs)
		counts[diff] -= cut
		total -= cut
	}
	for _, diff := range difficultyOrder {
		if total >= pairs {
			break
		}
		add := min(len(catalog[diff])-counts[diff], pairs-total)
		counts[diff] += add
		total += add
	}

	if total < pairs {
		return nil, fmt.Errorf("%w: want %d pairs, catalog has %d", ErrDeckTooLarge, pairs, total)
	}
	return counts, nil
}

// BuildDeck draws rules.Pairs bug/solution pairs and lays them out in a
// random order. Card IDs follow board position.
func BuildDeck(rules Rules, rng *rand.Rand) ([]Card, error) {
	if rules.Pairs <= 0 {
		return nil, fmt.Errorf("%w: pairs must be positive, got %d", ErrDeckTooLarge, rules.Pairs)
	}
	counts, err := rules.Distribution.resolve(rules.Pairs)
	if err != nil {
		return nil, err
	}

	type dealt struct {
		card Card
		pair int
	}
	deck := make([]dealt, 0, rules.Pairs*2)
	pair := 0
	for _, diff := range difficultyOrder {
		specs := catalog[diff]
		for _, i := range rng.Perm(len(specs))[:counts[diff]] {
			deck = append(deck,
				dealt{card: Card{Content: specs[i].Bug, Difficulty: diff, Type: CardBug}, pair: pair},
				dealt{card: Card{Content: specs[i].Fix, Difficulty: diff, Type: CardSolution}, pair: pair},
			)
			pair++
		}
	}

	rng.Shuffle(len(deck), func(i, j int) { deck[i], deck[j] = deck[j], deck[i] })

	byPair := make(map[int][]int, pair)
	cards := make([]Card, len(deck))
	for pos, d := range deck {
		c := d.card
		c.Position = pos
		c.ID = fmt.Sprintf("card-%d", pos)
		cards[pos] = c
		byPair[d.pair] = append(byPair[d.pair], pos)
	}
	for _, positions := range byPair {
		a, b := positions[0], positions[1]
		cards[a].MatchingCardID = cards[b].ID
		cards[b].MatchingCardID = cards[a].ID
	}
	return cards, nil
}
