package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

// Client-sent timeouts are honoured only this close to the server deadline.
const timeoutTolerance = time.Second

// GameResetDelay is how long a finished game stays on screen before the
// room is closed.
const GameResetDelay = 5 * time.Second

type Msg interface{ isLobbyMsg() }

// Join admits a connection. Host is set for the connection that created the
// room; Reply receives the admission result before any snapshot is sent.
type Join struct {
	ClientID string
	Nickname string
	Host     bool
	Outbox   chan<- types.Envelope // where this client wants to receive events
	Evict    func()                // called if the lobby drops the client
	Reply    chan error
}

func (Join) isLobbyMsg() {}

type Leave struct{ ClientID string }

func (Leave) isLobbyMsg() {}

type FromClient struct {
	ClientID string
	Event    types.Envelope
}

func (FromClient) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type timerKind int

const (
	timerTurn timerKind = iota
	timerReveal
	timerReset
)

type timerFired struct {
	Kind timerKind
	Gen  int
}

func (timerFired) isLobbyMsg() {}

type View struct {
	Version    int
	NumClients int
	Room       room.Room
	Game       *engine.State
}

// Recorder persists finished matches.
type Recorder interface {
	RecordMatch(ctx context.Context, roomCode string, game engine.State) error
}

type Options struct {
	Rules       engine.Rules
	TurnTimeout time.Duration // defaults to Rules.TurnTimeLimit
	RevealDelay time.Duration
	ResetDelay  time.Duration // defaults to GameResetDelay
	Logger      *zap.Logger
	Recorder    Recorder
	OnClosed    func(l *Lobby)
	Rand        *rand.Rand
	Now         func() time.Time
}

func (o *Options) withDefaults() {
	if o.Rules.Pairs == 0 {
		o.Rules = engine.DefaultRules()
	}
	if o.TurnTimeout <= 0 {
		o.TurnTimeout = time.Duration(o.Rules.TurnTimeLimit) * time.Second
	}
	if o.RevealDelay < 0 {
		o.RevealDelay = 0
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = GameResetDelay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type client struct {
	out   chan<- types.Envelope
	evict func()
}

type Lobby struct {
	code    string
	inbox   chan Msg
	room    room.Room
	game    *engine.State
	version int
	clients map[string]client
	opts    Options
	log     *zap.Logger

	timers       map[timerKind]*time.Timer
	gens         map[timerKind]int
	turnDeadline time.Time
	closing      bool
	// Dropped clients whose leave is still to be applied.
	evicted []string

	ctx    context.Context
	cancel context.CancelFunc
}

func NewLobby(parent context.Context, code string, opts Options) *Lobby {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		inbox:   make(chan Msg, 64), // Small buffer
		clients: make(map[string]client),
		opts:    opts,
		log:     opts.Logger.With(zap.String("room", code)),
		timers:  make(map[timerKind]*time.Timer),
		gens:    make(map[timerKind]int),
		ctx:     ctx,
		cancel:  cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) Code() string { return l.code }

// Expose the inbox so tests or WS layer can send messages.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has stopped.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send delivers m unless the lobby has already stopped.
func (l *Lobby) Send(m Msg) bool {
	select {
	case l.inbox <- m:
		return true
	case <-l.ctx.Done():
		return false
	}
}

// Snapshot asks the lobby for a consistent copy of its state.
func (l *Lobby) Snapshot(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case l.inbox <- GetState{Reply: reply}:
	case <-l.ctx.Done():
		return View{}, room.ErrRoomNotFound
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.ctx.Done():
		return View{}, room.ErrRoomNotFound
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			if l.handle(m) {
				l.shutdown()
				return
			}
		}
	}
}

// handle processes one message and reports whether the lobby should stop.
// A panic ends this room only.
func (l *Lobby) handle(m Msg) (stop bool) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("lobby handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			l.abort("internal server error")
			stop = true
		}
	}()

	switch msg := m.(type) {
	case Join:
		err := l.join(msg)
		if msg.Reply != nil {
			msg.Reply <- err
		}

	case Leave:
		l.removePlayer(msg.ClientID)

	case FromClient:
		if err := l.fromClient(msg); err != nil {
			l.log.Debug("rejected client event",
				zap.String("client", msg.ClientID),
				zap.String("event", msg.Event.Event),
				zap.Error(err))
			l.sendTo(msg.ClientID, types.ErrorEnvelope(err))
		}

	case timerFired:
		if msg.Gen != l.gens[msg.Kind] {
			// Re-armed or cancelled since this fire was scheduled.
			break
		}
		l.fired(msg.Kind)

	case GetState:
		// Copies, so the caller never shares slices or maps with the loop.
		v := View{Version: l.version, NumClients: len(l.clients), Room: l.room.Clone()}
		if l.game != nil {
			g := l.game.Clone()
			v.Game = &g
		}
		msg.Reply <- v

	case Shutdown:
		l.closeRoom("server shutting down")
	}

	// Evictions found while publishing are applied only once the current
	// message is fully handled, so every member sees its events first.
	for len(l.evicted) > 0 {
		id := l.evicted[0]
		l.evicted = l.evicted[1:]
		l.removePlayer(id)
	}

	return l.closing
}

func (l *Lobby) join(msg Join) error {
	now := l.opts.Now()

	if msg.Host {
		if !l.room.Empty() {
			return fmt.Errorf("%w: room %s already has a host", types.ErrInvalidRequest, l.code)
		}
		r, err := room.New(l.code, msg.ClientID, msg.Nickname, now)
		if err != nil {
			// Nobody else can ever reach a room that never got a host.
			l.closing = true
			return err
		}
		l.room = r
	} else {
		if l.room.Empty() {
			return room.ErrRoomNotFound
		}
		if err := l.room.Join(msg.ClientID, msg.Nickname, now); err != nil {
			return err
		}
	}

	l.version++
	l.clients[msg.ClientID] = client{out: msg.Outbox, evict: msg.Evict}
	l.log.Info("player joined",
		zap.String("player", msg.ClientID),
		zap.Bool("host", msg.Host),
		zap.Int("players", len(l.room.Players)))

	snap := types.RoomSnapshot(l.room)
	if msg.Host {
		l.sendTo(msg.ClientID, types.Must(types.EventRoomCreated, types.RoomCreatedPayload{
			RoomCode: l.code,
			Host:     types.PlayerRef{ID: msg.ClientID, Nickname: l.room.Players[msg.ClientID].Nickname},
			Players:  snap.Players,
		}))
		return nil
	}

	l.sendTo(msg.ClientID, types.Must(types.EventRoomJoined, types.RoomJoinedPayload{
		RoomCode: l.code,
		Players:  snap.Players,
		Status:   snap.Status,
	}))
	l.broadcastExcept(msg.ClientID, types.Must(types.EventPlayerJoined, types.PlayerRef{
		ID:       msg.ClientID,
		Nickname: l.room.Players[msg.ClientID].Nickname,
	}))
	l.broadcast(types.Must(types.EventRoomUpdated, snap))
	return nil
}

func (l *Lobby) removePlayer(id string) {
	delete(l.clients, id)
	p, ok := l.room.Players[id]
	if !ok {
		return
	}
	if err := l.room.Leave(id); err != nil {
		return
	}
	l.version++
	l.log.Info("player left", zap.String("player", id), zap.Int("players", len(l.room.Players)))

	if l.room.Empty() {
		l.closing = true
		return
	}

	l.broadcast(types.Must(types.EventPlayerLeft, types.PlayerRef{ID: id, Nickname: p.Nickname}))
	l.broadcast(types.Must(types.EventRoomUpdated, types.RoomSnapshot(l.room)))

	if l.game != nil && l.game.Status == engine.StatusPlaying {
		if err := l.apply(engine.Command{Type: engine.CmdForfeit, PlayerID: id}); err != nil {
			l.log.Warn("forfeit failed", zap.Error(err))
		}
	}
}

func (l *Lobby) fromClient(msg FromClient) error {
	if !l.room.Has(msg.ClientID) {
		return fmt.Errorf("%w: not a member of room %s", room.ErrRoomNotFound, l.code)
	}

	switch msg.Event.Event {
	case types.EventRoomStartGame:
		var p types.StartGamePayload
		if err := msg.Event.Decode(&p); err != nil {
			return err
		}
		if p.RoomCode != "" && p.RoomCode != l.code {
			return fmt.Errorf("%w: room code %q does not match", types.ErrInvalidRequest, p.RoomCode)
		}
		return l.startGame(msg.ClientID)

	case types.EventGameFlipCard:
		var p types.FlipCardPayload
		if err := msg.Event.Decode(&p); err != nil {
			return err
		}
		if l.game == nil {
			return engine.ErrNotPlaying
		}
		if p.GameID != l.game.GameID {
			return fmt.Errorf("%w: unknown game %q", types.ErrInvalidRequest, p.GameID)
		}
		return l.apply(engine.Command{Type: engine.CmdFlipCard, PlayerID: msg.ClientID, CardID: p.CardID})

	case types.EventGameTurnTimeout:
		var p types.TurnTimeoutPayload
		if err := msg.Event.Decode(&p); err != nil {
			return err
		}
		// Timeouts never produce errors for the caller: a stale one is
		// simply ignored.
		if l.game == nil || p.GameID != l.game.GameID || p.PlayerID != msg.ClientID || p.PlayerID != l.game.CurrentTurn {
			return nil
		}
		if remaining := l.turnDeadline.Sub(l.opts.Now()); remaining > timeoutTolerance {
			l.log.Debug("ignoring early client timeout", zap.Duration("remaining", remaining))
			return nil
		}
		err := l.apply(engine.Command{Type: engine.CmdTurnTimeout, PlayerID: p.PlayerID})
		if errors.Is(err, engine.ErrStaleTimeout) {
			return nil
		}
		return err

	default:
		return fmt.Errorf("%w: unknown event %q", types.ErrInvalidRequest, msg.Event.Event)
	}
}

func (l *Lobby) startGame(playerID string) error {
	if err := l.room.CanStart(playerID); err != nil {
		return err
	}

	players := make([]engine.PlayerStats, 0, len(l.room.Players))
	for _, p := range l.room.Ordered() {
		players = append(players, engine.PlayerStats{
			ID:       p.ID,
			Nickname: p.Nickname,
			IsHost:   p.IsHost,
			IsReady:  p.IsReady,
			JoinedAt: p.JoinedAt,
		})
	}

	gameID := fmt.Sprintf("%s-%08x", l.code, l.opts.Rand.Uint32())
	g, err := engine.NewGame(l.opts.Rules, gameID, players, l.opts.Rand, l.opts.Now().UnixMilli())
	if err != nil {
		return err
	}

	l.game = &g
	l.room.MarkPlaying()
	l.version++
	l.armTurnTimer()
	l.log.Info("game started", zap.String("game", gameID), zap.Int("cards", len(g.Cards)))

	l.broadcast(types.Must(types.EventGameStarted, g))
	l.broadcast(types.Must(types.EventRoomUpdated, types.RoomSnapshot(l.room)))
	return nil
}

// apply runs cmd through the engine and publishes every resulting event in
// order. A state that breaks the board invariants ends the room.
func (l *Lobby) apply(cmd engine.Command) error {
	if l.game == nil {
		return engine.ErrNotPlaying
	}
	cmd.At = l.opts.Now().UnixMilli()

	events, next, err := engine.Apply(*l.game, cmd)
	if err != nil {
		return err
	}
	if err := engine.CheckInvariants(next); err != nil {
		l.log.Error("game invariant violated", zap.String("command", string(cmd.Type)), zap.Error(err))
		l.abort("game state became inconsistent")
		return nil
	}

	l.game = &next
	l.version++
	for _, ev := range events {
		l.publish(ev)
	}
	return nil
}

func (l *Lobby) publish(ev engine.Event) {
	switch ev.Type {
	case engine.EvtCardFlipped:
		gs := ev.State
		gs.TurnTimeLeft = l.turnSecondsLeft()
		l.broadcast(types.Must(types.EventGameCardFlipped, types.CardFlippedPayload{
			GameState: gs,
			CardID:    ev.CardIDs[0],
			PlayerID:  ev.PlayerID,
			TimeLeft:  gs.TurnTimeLeft,
		}))

	case engine.EvtMatch:
		l.armTurnTimer()
		l.broadcast(types.Must(types.EventGameMatch, types.MatchPayload{
			GameState:    ev.State,
			PlayerID:     ev.PlayerID,
			MatchedCards: ev.CardIDs,
			Message:      ev.Message,
		}))

	case engine.EvtNoMatch:
		l.stopTimer(timerTurn)
		l.broadcast(types.Must(types.EventGameNoMatch, types.NoMatchPayload{
			GameState: ev.State,
			PlayerID:  ev.PlayerID,
			Cards:     ev.CardIDs,
			Message:   ev.Message,
		}))
		l.arm(timerReveal, l.opts.RevealDelay)

	case engine.EvtTurnChanged:
		l.armTurnTimer()
		next := ev.State.Players[ev.State.CurrentTurn]
		l.broadcast(types.Must(types.EventGameTurnChanged, types.TurnChangedPayload{
			GameState:     ev.State,
			CurrentPlayer: types.PlayerRef{ID: next.ID, Nickname: next.Nickname},
			Message:       ev.Message,
		}))

	case engine.EvtGameOver:
		l.stopTimer(timerTurn)
		l.stopTimer(timerReveal)
		l.log.Info("game over",
			zap.String("game", ev.State.GameID),
			zap.Bool("tie", ev.State.IsTie),
			zap.Int("winners", len(ev.State.Winners)))
		l.broadcast(types.Must(types.EventGameOver, types.GameOverPayload{
			GameState: ev.State,
			Winners:   ev.State.Winners,
			IsTie:     ev.State.IsTie,
			Message:   ev.Message,
		}))
		l.record(ev.State)
		l.arm(timerReset, l.opts.ResetDelay)
	}
}

func (l *Lobby) fired(kind timerKind) {
	switch kind {
	case timerTurn:
		if l.game == nil || l.game.Status != engine.StatusPlaying {
			return
		}
		err := l.apply(engine.Command{Type: engine.CmdTurnTimeout, PlayerID: l.game.CurrentTurn})
		if err != nil && !errors.Is(err, engine.ErrStaleTimeout) {
			l.log.Warn("turn timeout failed", zap.Error(err))
		}

	case timerReveal:
		if err := l.apply(engine.Command{Type: engine.CmdResolveNoMatch}); err != nil {
			l.log.Warn("no-match resolution failed", zap.Error(err))
		}

	case timerReset:
		l.closeRoom("game over")
	}
}

func (l *Lobby) record(g engine.State) {
	if l.opts.Recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.opts.Recorder.RecordMatch(ctx, l.code, g); err != nil {
			l.log.Error("record match", zap.String("game", g.GameID), zap.Error(err))
		}
	}()
}

// abort terminates the current game and the room after an unrecoverable
// error, telling every member why.
func (l *Lobby) abort(reason string) {
	l.broadcast(types.Must(types.EventGameError, types.ErrorPayload{
		Message: "game terminated: " + reason,
		Code:    types.CodeInvalidRequest,
	}))
	l.closeRoom(reason)
}

// closeRoom resets the room for all members: they are told the room is gone
// and detached.
func (l *Lobby) closeRoom(reason string) {
	l.broadcast(types.Must(types.EventRoomClosed, types.RoomClosedPayload{RoomCode: l.code, Reason: reason}))
	clear(l.clients)
	l.room = room.Room{}
	l.game = nil
	l.closing = true
}

func (l *Lobby) shutdown() {
	for kind := range l.timers {
		l.stopTimer(kind)
	}
	clear(l.clients)
	l.cancel()
	if l.opts.OnClosed != nil {
		l.opts.OnClosed(l)
	}
	l.log.Info("room closed")
}

func (l *Lobby) broadcast(env types.Envelope) {
	l.broadcastExcept("", env)
}

func (l *Lobby) broadcastExcept(skip string, env types.Envelope) {
	var dropped []string
	for id, c := range l.clients {
		if id == skip {
			continue
		}
		select {
		case c.out <- env:
			//ok
		default:
			// Client is slow/full - drop them.
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		l.drop(id)
	}
}

func (l *Lobby) sendTo(id string, env types.Envelope) {
	c, ok := l.clients[id]
	if !ok {
		return
	}
	select {
	case c.out <- env:
	default:
		l.drop(id)
	}
}

func (l *Lobby) drop(id string) {
	c, ok := l.clients[id]
	if !ok {
		return
	}
	delete(l.clients, id)
	l.log.Warn("dropping slow client", zap.String("player", id))
	if c.evict != nil {
		c.evict()
	}
	l.evicted = append(l.evicted, id)
}
