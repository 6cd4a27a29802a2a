package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
	"github.com/DoyleJ11/bug-match-backend/internal/lobby"
)

const EnvPrefix = "BUGMATCH"

type Config struct {
	Bind      string
	Port      int
	PublicURL string

	LogLevel string
	Dev      bool

	// Empty disables match history.
	DatabaseURL string

	Pairs          int
	Easy           int
	Medium         int
	Hard           int
	PointsPerMatch int
	TurnTimeLimit  time.Duration
	RevealDelay    time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Register declares the server flags on fs with their defaults.
func (c *Config) Register(fs *pflag.FlagSet) {
	d := engine.DefaultRules()

	fs.StringVarP(&c.Bind, "bind", "b", "0.0.0.0", "address to bind to (env: BUGMATCH_BIND)")
	fs.IntVarP(&c.Port, "port", "p", 8080, "port to listen on (env: BUGMATCH_PORT)")
	fs.StringVar(&c.PublicURL, "public-url", "http://localhost:5173", "base URL of the web client, used in share links (env: BUGMATCH_PUBLIC_URL)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum log level (env: BUGMATCH_LOG_LEVEL)")
	fs.BoolVar(&c.Dev, "dev", false, "human readable logs (env: BUGMATCH_DEV)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "postgres DSN for match history (env: BUGMATCH_DATABASE_URL)")
	fs.IntVar(&c.Pairs, "pairs", d.Pairs, "card pairs per game (env: BUGMATCH_PAIRS)")
	fs.IntVar(&c.Easy, "easy", d.Distribution.Easy, "easy pairs per game (env: BUGMATCH_EASY)")
	fs.IntVar(&c.Medium, "medium", d.Distribution.Medium, "medium pairs per game (env: BUGMATCH_MEDIUM)")
	fs.IntVar(&c.Hard, "hard", d.Distribution.Hard, "hard pairs per game (env: BUGMATCH_HARD)")
	fs.IntVar(&c.PointsPerMatch, "points-per-match", d.PointsPerMatch, "score awarded per matched pair (env: BUGMATCH_POINTS_PER_MATCH)")
	fs.DurationVar(&c.TurnTimeLimit, "turn-time-limit", time.Duration(d.TurnTimeLimit)*time.Second, "time per turn (env: BUGMATCH_TURN_TIME_LIMIT)")
	fs.DurationVar(&c.RevealDelay, "reveal-delay", time.Second, "how long unmatched cards stay face up (env: BUGMATCH_REVEAL_DELAY)")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", 60*time.Second, "a websocket that misses pings for half this long is closed (env: BUGMATCH_READ_TIMEOUT)")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", 3*time.Second, "per-frame websocket write timeout (env: BUGMATCH_WRITE_TIMEOUT)")
}

// Bind fills every flag the user did not set from the environment
// (prefix_FLAG_NAME). Flag values always win.
func Bind(fs *pflag.FlagSet, prefix string) {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

// LoadDotEnv loads path into the environment; a missing file is fine.
// Variables already set are not overridden.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid public url: %q", c.PublicURL)
	}
	if c.Easy < 0 || c.Medium < 0 || c.Hard < 0 {
		return errors.New("difficulty distribution cannot be negative")
	}
	if c.PointsPerMatch <= 0 {
		return fmt.Errorf("points per match must be positive: %d", c.PointsPerMatch)
	}
	if c.TurnTimeLimit < time.Second {
		return fmt.Errorf("turn time limit must be at least 1s: %s", c.TurnTimeLimit)
	}
	if c.RevealDelay < 0 {
		return errors.New("reveal delay cannot be negative")
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("websocket timeouts must be positive")
	}
	// Deal a throwaway deck so an impossible pair count fails at startup.
	if _, err := engine.BuildDeck(c.Rules(), rand.New(rand.NewSource(1))); err != nil {
		return err
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

func (c *Config) Rules() engine.Rules {
	return engine.Rules{
		Pairs:          c.Pairs,
		Distribution:   engine.Distribution{Easy: c.Easy, Medium: c.Medium, Hard: c.Hard},
		PointsPerMatch: c.PointsPerMatch,
		TurnTimeLimit:  int(c.TurnTimeLimit / time.Second),
	}
}

// LobbyOptions is the template every room is started with.
func (c *Config) LobbyOptions() lobby.Options {
	return lobby.Options{
		Rules:       c.Rules(),
		TurnTimeout: c.TurnTimeLimit,
		RevealDelay: c.RevealDelay,
		ResetDelay:  lobby.GameResetDelay,
	}
}
