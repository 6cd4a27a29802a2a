// Command bot is a headless player. It connects like a browser would, then
// creates or joins a room and plays one game with random legal flips.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DoyleJ11/bug-match-backend/internal/client"
	"github.com/DoyleJ11/bug-match-backend/internal/config"
	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/logging"
	"github.com/DoyleJ11/bug-match-backend/internal/room"
	"github.com/DoyleJ11/bug-match-backend/internal/session"
	"github.com/DoyleJ11/bug-match-backend/internal/session/persist"
	"github.com/DoyleJ11/bug-match-backend/internal/types"
)

type botConfig struct {
	url       string
	nickname  string
	roomCode  string
	flipDelay time.Duration
	seed      int64
	redisAddr string
	restore   bool
	attempts  int
	backoff   time.Duration
	logLevel  string
	dev       bool
}

func main() {
	log.SetFlags(0)
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}
	cobra.CheckErr(newCmd().ExecuteContext(context.Background()))
}

func newCmd() *cobra.Command {
	cfg := &botConfig{}

	cmd := &cobra.Command{
		Use:           "bugmatch-bot",
		Short:         "Headless bug-match player.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRun: func(cmd *cobra.Command, _ []string) {
			config.Bind(cmd.Flags(), config.EnvPrefix+"_BOT")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.url, "url", "ws://localhost:8080/ws", "server websocket URL (env: BUGMATCH_BOT_URL)")
	fs.StringVarP(&cfg.nickname, "nickname", "n", "bot", "nickname to play under (env: BUGMATCH_BOT_NICKNAME)")
	fs.StringVarP(&cfg.roomCode, "room", "r", "", "room code to join; empty creates a room (env: BUGMATCH_BOT_ROOM)")
	fs.DurationVar(&cfg.flipDelay, "flip-delay", 500*time.Millisecond, "pause before each flip (env: BUGMATCH_BOT_FLIP_DELAY)")
	fs.Int64Var(&cfg.seed, "seed", 0, "random seed, 0 for time based (env: BUGMATCH_BOT_SEED)")
	fs.StringVar(&cfg.redisAddr, "redis-addr", "", "keep session state in redis instead of memory (env: BUGMATCH_BOT_REDIS_ADDR)")
	fs.BoolVar(&cfg.restore, "restore", false, "rejoin the room saved by a previous run if still fresh (env: BUGMATCH_BOT_RESTORE)")
	fs.IntVar(&cfg.attempts, "reconnect-attempts", 5, "reconnect attempts before giving up (env: BUGMATCH_BOT_RECONNECT_ATTEMPTS)")
	fs.DurationVar(&cfg.backoff, "reconnect-backoff", time.Second, "backoff step between reconnects (env: BUGMATCH_BOT_RECONNECT_BACKOFF)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "minimum log level (env: BUGMATCH_BOT_LOG_LEVEL)")
	fs.BoolVar(&cfg.dev, "dev", true, "human readable logs (env: BUGMATCH_BOT_DEV)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}

func run(parent context.Context, cfg *botConfig) error {
	logger, err := logging.New(cfg.logLevel, cfg.dev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var kv persist.KV = persist.NewMemoryKV()
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping %s: %w", cfg.redisAddr, err)
		}
		kv = persist.NewRedisKV(rdb, "bugmatch:bot:"+cfg.nickname+":", 5*time.Minute)
	}

	seed := cfg.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	conn := client.Connect(ctx, client.Options{
		URL:      cfg.url,
		Logger:   logger.Named("client"),
		Attempts: cfg.attempts,
		Backoff:  cfg.backoff,
	})
	defer conn.Close()

	store := session.NewStore(conn, session.Options{KV: kv, Logger: logger.Named("session")})
	defer store.Close()

	b := &bot{
		cfg:   cfg,
		store: store,
		log:   logger,
		rng:   rand.New(rand.NewSource(seed)),
	}
	return b.play(ctx, conn.Events())
}

type bot struct {
	cfg   *botConfig
	store *session.Store
	log   *zap.Logger
	rng   *rand.Rand

	entered  bool
	started  bool
	played   bool
	restored bool
}

func (b *bot) play(ctx context.Context, events <-chan types.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-events:
			if !ok {
				return errors.New("connection lost")
			}
			b.store.Dispatch(env)
			b.report(env)

			finished, err := b.act(ctx)
			if err != nil {
				return err
			}
			if finished {
				return nil
			}
		}
	}
}

func (b *bot) report(env types.Envelope) {
	st := b.store.State()
	switch env.Event {
	case types.EventRoomCreated:
		b.log.Info("room created, share this code", zap.String("room", st.RoomCode))
	case types.EventGameMatch, types.EventGameNoMatch, types.EventGameTurnChanged, types.EventGameOver:
		b.log.Info(st.Notice, zap.Bool("myTurn", session.IsMyTurn(st)))
	case types.EventGameError:
		if st.Error != nil {
			b.log.Warn("server rejected request", zap.String("code", string(st.Error.Code)), zap.String("message", st.Error.Message))
		}
	case types.EventDisconnect, types.EventReconnectAttempt:
		b.log.Warn(st.Notice)
	}
}

// act issues at most one intent for the current state and reports whether
// the bot is done.
func (b *bot) act(ctx context.Context) (bool, error) {
	st := b.store.State()

	if st.Error != nil && st.Error.Code == types.CodeConnectionLost {
		return false, types.ErrConnectionLost
	}
	if !st.Connected || st.PlayerID == "" {
		return false, nil
	}

	if st.RoomCode == "" {
		if b.played {
			return true, nil
		}
		if st.Transitioning {
			return false, nil
		}
		if st.Error != nil && b.entered {
			return false, fmt.Errorf("could not enter a room: %s", st.Error.Message)
		}
		return false, b.enter(ctx)
	}

	if st.Game == nil || st.Game.Status != engine.StatusPlaying {
		if st.Game != nil && st.Game.Status == engine.StatusFinished {
			b.played = true
		}
		if st.IsHost && !b.started && st.Status == room.StatusReady && len(st.Players) == room.MaxPlayers {
			b.started = true
			return false, b.store.StartGame(ctx)
		}
		return false, nil
	}

	if !session.IsMyTurn(st) || len(st.PendingFlips) > 0 || len(st.Game.FlippedCards) >= 2 {
		return false, nil
	}
	card, ok := b.pick(st.Game)
	if !ok {
		return false, nil
	}

	select {
	case <-time.After(b.cfg.flipDelay):
	case <-ctx.Done():
		return true, nil
	}
	err := b.store.FlipCard(ctx, card)
	if errors.Is(err, session.ErrNotYourTurn) || errors.Is(err, session.ErrInvalidCardState) {
		// The state moved on while we were waiting.
		return false, nil
	}
	return false, err
}

func (b *bot) enter(ctx context.Context) error {
	if !b.restored && b.cfg.restore {
		b.restored = true
		ok, err := b.store.Restore(ctx)
		if err != nil || ok {
			b.entered = ok
			return err
		}
	}
	b.entered = true
	if b.cfg.roomCode != "" {
		return b.store.JoinRoom(ctx, b.cfg.roomCode, b.cfg.nickname)
	}
	return b.store.CreateRoom(ctx, b.cfg.nickname)
}

func (b *bot) pick(g *engine.State) (string, bool) {
	var candidates []string
	for _, c := range g.Cards {
		if !c.IsFlipped && !c.IsMatched {
			candidates = append(candidates, c.ID)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[b.rng.Intn(len(candidates))], true
}
