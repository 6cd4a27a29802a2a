package engine

// nextTurn returns the player after CurrentTurn in seating order. With two
// players this simply alternates.
func nextTurn(s State) string {
	if len(s.Order) == 0 {
		return s.CurrentTurn
	}
	for i, id := range s.Order {
		if id == s.CurrentTurn {
			return s.Order[(i+1)%len(s.Order)]
		}
	}
	return s.Order[0]
}

// Opponent returns the other seated player, or "" if there is none.
func (s State) Opponent(id string) string {
	for _, other := range s.Order {
		if other != id {
			return other
		}
	}
	return ""
}
