package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/session/persist"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNotConnected     = errors.New("not connected")
	ErrNotInRoom        = errors.New("not in a room")
	ErrNotHost          = errors.New("only the host can start the game")
	ErrNotEnoughPlayers = errors.New("waiting for a second player")
	ErrNotYourTurn      = errors.New("not your turn")
	ErrInvalidCardState = errors.New("card cannot be flipped")
)

const (
	KeyRoomState = "roomState"
	KeyGameState = "gameState"
)

// Emitter sends one envelope to the server.
type Emitter interface {
	Send(ctx context.Context, env types.Envelope) error
}

type Timer interface {
	Stop() bool
}

type Options struct {
	KV     persist.KV
	Logger *zap.Logger
	Now    func() time.Time
	// AfterFunc schedules f; tests swap in a manual clock.
	AfterFunc func(d time.Duration, f func()) Timer
	// OnChange observes every new state, outside the store lock.
	OnChange func(State)

	CreateCooldown time.Duration
	ResetDelay     time.Duration
	RedirectDelay  time.Duration
	Freshness      time.Duration
	Tick           time.Duration
}

func (o *Options) withDefaults() {
	if o.KV == nil {
		o.KV = persist.NewMemoryKV()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if o.CreateCooldown <= 0 {
		o.CreateCooldown = 2 * time.Second
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = 5 * time.Second
	}
	if o.RedirectDelay <= 0 {
		o.RedirectDelay = 3 * time.Second
	}
	if o.Freshness <= 0 {
		o.Freshness = 5 * time.Minute
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
}

// RoomSnapshot is what survives a reload: enough to get back into the same
// room.
type RoomSnapshot struct {
	RoomCode  string `json:"roomCode,omitempty"`
	IsHost    bool   `json:"isHost"`
	Nickname  string `json:"nickname"`
	Timestamp int64  `json:"timestamp"`
}

type GameSnapshot struct {
	Game      engine.State `json:"game"`
	Timestamp int64        `json:"timestamp"`
}

type Store struct {
	mu    sync.Mutex
	state State
	emit  Emitter
	opts  Options
	log   *zap.Logger

	lastCreate time.Time

	countdown    Timer
	countdownGen int
	timeoutSent  bool
	reset        Timer
	resetGen     int
}

func NewStore(emit Emitter, opts Options) *Store {
	opts.withDefaults()
	return &Store{
		state: Empty(State{}),
		emit:  emit,
		opts:  opts,
		log:   opts.Logger,
	}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dispatch folds an inbound event into the state and runs its side effects.
func (s *Store) Dispatch(env types.Envelope) {
	s.mu.Lock()
	prev := s.state
	s.state = Reduce(s.state, env)
	s.effects(prev, env)
	next := s.state
	s.mu.Unlock()

	s.changed(next)
}

func (s *Store) effects(prev State, env types.Envelope) {
	switch env.Event {
	case types.EventRoomCreated, types.EventRoomJoined, types.EventRoomUpdated:
		if s.state.RoomCode != "" {
			s.saveRoom()
		}

	case types.EventGameStarted, types.EventGameCardFlipped, types.EventGameMatch, types.EventGameTurnChanged:
		if s.state.Game != nil {
			s.startCountdown()
			s.saveGame()
		}

	case types.EventGameNoMatch:
		s.stopCountdown()
		s.saveGame()

	case types.EventGameOver:
		s.stopCountdown()
		s.saveGame()
		s.scheduleReset(s.opts.ResetDelay)

	case types.EventRoomClosed:
		if prev.RoomCode != "" {
			s.clearLocal()
		}

	case types.EventGameError:
		// A create or join that failed must not be retried on reload.
		if s.state.RoomCode == "" {
			s.del(KeyRoomState)
		}

	case types.EventReconnectFailed:
		s.stopCountdown()
		s.scheduleReset(s.opts.RedirectDelay)
	}
}

func (s *Store) changed(st State) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(st)
	}
}

// CreateRoom asks the server for a new room hosted by this client. It is a
// no-op while a room is active, a create or join is in flight, or the last
// create was less than CreateCooldown ago.
func (s *Store) CreateRoom(ctx context.Context, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return fmt.Errorf("%w: nickname is required", ErrInvalidRequest)
	}
	return s.enter(ctx, types.Must(types.EventRoomCreate, types.CreateRoomPayload{Nickname: nickname}),
		RoomSnapshot{IsHost: true, Nickname: nickname}, true)
}

// JoinRoom is a no-op while a room is active or a create or join is in
// flight. The create cooldown does not apply to joins.
func (s *Store) JoinRoom(ctx context.Context, code, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	code = strings.ToUpper(strings.TrimSpace(code))
	if nickname == "" || code == "" {
		return fmt.Errorf("%w: room code and nickname are required", ErrInvalidRequest)
	}
	return s.enter(ctx, types.Must(types.EventRoomJoin, types.JoinRoomPayload{RoomCode: code, Nickname: nickname}),
		RoomSnapshot{RoomCode: code, Nickname: nickname}, false)
}

func (s *Store) enter(ctx context.Context, env types.Envelope, snap RoomSnapshot, create bool) error {
	s.mu.Lock()
	now := s.opts.Now()
	coolingDown := create && !s.lastCreate.IsZero() && now.Sub(s.lastCreate) < s.opts.CreateCooldown
	if InRoom(s.state) || coolingDown {
		s.mu.Unlock()
		s.log.Debug("dropping duplicate room request", zap.String("event", env.Event))
		return nil
	}
	if !s.state.Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if create {
		s.lastCreate = now
	}
	s.state.Transitioning = true
	s.state.Nickname = snap.Nickname
	s.state.Error = nil
	snap.Timestamp = now.UnixMilli()
	s.put(KeyRoomState, snap)
	next := s.state
	s.mu.Unlock()
	s.changed(next)

	if err := s.emit.Send(ctx, env); err != nil {
		s.mu.Lock()
		s.state.Transitioning = false
		next = s.state
		s.mu.Unlock()
		s.changed(next)
		return err
	}
	return nil
}

// LeaveRoom leaves the current room and resets local state right away.
func (s *Store) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	if s.state.RoomCode == "" {
		s.mu.Unlock()
		return ErrNotInRoom
	}
	code := s.state.RoomCode
	s.clearLocal()
	next := s.state
	s.mu.Unlock()
	s.changed(next)

	return s.emit.Send(ctx, types.Must(types.EventRoomLeave, types.LeaveRoomPayload{RoomCode: code}))
}

func (s *Store) StartGame(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	switch {
	case !st.Connected:
		return ErrNotConnected
	case st.RoomCode == "":
		return ErrNotInRoom
	case !st.IsHost:
		return ErrNotHost
	case len(st.Players) < room.MaxPlayers:
		return ErrNotEnoughPlayers
	case st.Status == room.StatusPlaying:
		return fmt.Errorf("%w: game already running", ErrInvalidRequest)
	}
	return s.emit.Send(ctx, types.Must(types.EventRoomStartGame, types.StartGamePayload{RoomCode: st.RoomCode}))
}

// FlipCard reveals cardID if it is this client's turn and the card is face
// down. A repeat of a flip still awaiting confirmation is dropped.
func (s *Store) FlipCard(ctx context.Context, cardID string) error {
	s.mu.Lock()
	st := s.state
	if !st.Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !IsMyTurn(st) {
		s.mu.Unlock()
		return ErrNotYourTurn
	}
	if slices.Contains(st.PendingFlips, cardID) {
		s.mu.Unlock()
		return nil
	}
	card, ok := st.Game.Card(cardID)
	if !ok || card.IsMatched || card.IsFlipped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidCardState, cardID)
	}
	if len(st.Game.FlippedCards)+len(st.PendingFlips) >= 2 {
		s.mu.Unlock()
		return fmt.Errorf("%w: two cards already flipped", ErrInvalidCardState)
	}
	s.state.PendingFlips = append(slices.Clone(st.PendingFlips), cardID)
	next := s.state
	s.mu.Unlock()
	s.changed(next)

	err := s.emit.Send(ctx, types.Must(types.EventGameFlipCard, types.FlipCardPayload{
		GameID:   st.Game.GameID,
		RoomCode: st.RoomCode,
		CardID:   cardID,
	}))
	if err != nil {
		s.mu.Lock()
		s.state.PendingFlips = without(s.state.PendingFlips, cardID)
		s.mu.Unlock()
	}
	return err
}

// Restore re-enters the room saved by a previous session if the snapshot
// is fresh. It reports whether a request was issued.
func (s *Store) Restore(ctx context.Context) (bool, error) {
	var snap RoomSnapshot
	if !s.get(ctx, KeyRoomState, &snap) {
		return false, nil
	}
	if s.stale(snap.Timestamp) {
		s.log.Debug("discarding stale session", zap.String("room", snap.RoomCode))
		s.del(KeyRoomState)
		s.del(KeyGameState)
		return false, nil
	}

	var err error
	switch {
	case snap.IsHost:
		err = s.CreateRoom(ctx, snap.Nickname)
	case snap.RoomCode != "":
		err = s.JoinRoom(ctx, snap.RoomCode, snap.Nickname)
	default:
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastGame returns the last saved game snapshot if it is still fresh.
func (s *Store) LastGame(ctx context.Context) (engine.State, bool) {
	var snap GameSnapshot
	if !s.get(ctx, KeyGameState, &snap) || s.stale(snap.Timestamp) {
		return engine.State{}, false
	}
	return snap.Game, true
}

// Close stops all pending timers.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCountdown()
	s.cancelReset()
}

func (s *Store) stale(ts int64) bool {
	return s.opts.Now().Sub(time.UnixMilli(ts)) > s.opts.Freshness
}

// clearLocal drops room and game state and everything persisted for them.
// Callers hold mu.
func (s *Store) clearLocal() {
	s.stopCountdown()
	s.cancelReset()
	notice := s.state.Notice
	s.state = Empty(s.state)
	s.state.Notice = notice
	s.lastCreate = time.Time{}
	s.del(KeyRoomState)
	s.del(KeyGameState)
}

// startCountdown mirrors the server turn timer from state.TimeLeft. When it
// reaches zero on this client's turn it sends game:turnTimeout once.
func (s *Store) startCountdown() {
	s.stopCountdown()
	s.timeoutSent = false
	if s.state.TimeLeft <= 0 {
		return
	}
	s.scheduleTick(s.countdownGen)
}

func (s *Store) scheduleTick(gen int) {
	s.countdown = s.opts.AfterFunc(s.opts.Tick, func() { s.tick(gen) })
}

func (s *Store) tick(gen int) {
	s.mu.Lock()
	if gen != s.countdownGen {
		s.mu.Unlock()
		return
	}
	if s.state.TimeLeft > 0 {
		s.state.TimeLeft--
	}

	var timeout *types.Envelope
	if s.state.TimeLeft > 0 {
		s.scheduleTick(gen)
	} else {
		s.countdown = nil
		if !s.timeoutSent && IsMyTurn(s.state) {
			s.timeoutSent = true
			env := types.Must(types.EventGameTurnTimeout, types.TurnTimeoutPayload{
				GameID:   s.state.Game.GameID,
				PlayerID: s.state.PlayerID,
			})
			timeout = &env
		}
	}
	next := s.state
	s.mu.Unlock()
	s.changed(next)

	if timeout != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.emit.Send(ctx, *timeout); err != nil {
			s.log.Warn("send turn timeout", zap.Error(err))
		}
	}
}

func (s *Store) stopCountdown() {
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
	s.countdownGen++
}

func (s *Store) scheduleReset(d time.Duration) {
	s.cancelReset()
	gen := s.resetGen
	s.reset = s.opts.AfterFunc(d, func() {
		s.mu.Lock()
		if gen != s.resetGen {
			s.mu.Unlock()
			return
		}
		s.reset = nil
		s.clearLocal()
		next := s.state
		s.mu.Unlock()
		s.changed(next)
	})
}

func (s *Store) cancelReset() {
	if s.reset != nil {
		s.reset.Stop()
		s.reset = nil
	}
	s.resetGen++
}

func (s *Store) saveRoom() {
	s.put(KeyRoomState, RoomSnapshot{
		RoomCode:  s.state.RoomCode,
		IsHost:    s.state.IsHost,
		Nickname:  s.state.Nickname,
		Timestamp: s.opts.Now().UnixMilli(),
	})
}

func (s *Store) saveGame() {
	if s.state.Game == nil {
		return
	}
	s.put(KeyGameState, GameSnapshot{Game: *s.state.Game, Timestamp: s.opts.Now().UnixMilli()})
}

// Persistence is best effort: failures are logged and otherwise ignored.

func (s *Store) put(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("encode session state", zap.String("key", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.opts.KV.Set(ctx, key, raw); err != nil {
		s.log.Warn("save session state", zap.String("key", key), zap.Error(err))
	}
}

func (s *Store) get(ctx context.Context, key string, v any) bool {
	raw, err := s.opts.KV.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, persist.ErrNotFound) {
			s.log.Warn("load session state", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.log.Warn("corrupt session state", zap.String("key", key), zap.Error(err))
		s.del(key)
		return false
	}
	return true
}

func (s *Store) del(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.opts.KV.Delete(ctx, key); err != nil {
		s.log.Warn("delete session state", zap.String("key", key), zap.Error(err))
	}
}
