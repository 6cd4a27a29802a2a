package lobby

import (
	"math"
	"time"
)

// arm (re)starts the timer of the given kind. Bumping the generation makes
// any fire already queued from the previous timer stale.
func (l *Lobby) arm(kind timerKind, d time.Duration) {
	l.stopTimer(kind)
	gen := l.gens[kind]
	l.timers[kind] = time.AfterFunc(d, func() {
		l.Send(timerFired{Kind: kind, Gen: gen})
	})
}

func (l *Lobby) stopTimer(kind timerKind) {
	if t, ok := l.timers[kind]; ok {
		t.Stop()
		delete(l.timers, kind)
	}
	l.gens[kind]++
}

func (l *Lobby) armTurnTimer() {
	l.turnDeadline = l.opts.Now().Add(l.opts.TurnTimeout)
	l.arm(timerTurn, l.opts.TurnTimeout)
}

// turnSecondsLeft rounds the remaining turn time up to whole seconds.
func (l *Lobby) turnSecondsLeft() int {
	remaining := l.turnDeadline.Sub(l.opts.Now())
	if remaining <= 0 {
		return 0
	}
	secs := int(math.Ceil(remaining.Seconds()))
	return min(secs, l.opts.Rules.TurnTimeLimit)
}
