// Package store keeps the history of finished matches in postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/bug-match-backend/internal/engine"
)

const pgUniqueViolation = "23505"

type PlayerResult struct {
	ID           string `json:"id"`
	Nickname     string `json:"nickname"`
	Score        int    `json:"score"`
	MatchesFound int    `json:"matchesFound"`
	IsHost       bool   `json:"isHost"`
}

type MatchRecord struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	GameID     string         `gorm:"uniqueIndex;size:64;not null" json:"gameId"`
	RoomCode   string         `gorm:"index;size:16;not null" json:"roomCode"`
	Pairs      int            `json:"pairs"`
	Players    []PlayerResult `gorm:"serializer:json" json:"players"`
	Winners    []string       `gorm:"serializer:json" json:"winners"`
	IsTie      bool           `json:"isTie"`
	Message    string         `json:"message"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `gorm:"index" json:"endedAt"`
	DurationMs int64          `json:"durationMs"`
}

// FromGame flattens a finished game into a history row.
func FromGame(roomCode string, g engine.State) MatchRecord {
	rec := MatchRecord{
		GameID:     g.GameID,
		RoomCode:   roomCode,
		Pairs:      len(g.Cards) / 2,
		IsTie:      g.IsTie,
		Message:    g.GameOverMessage,
		StartedAt:  time.UnixMilli(g.StartedAt).UTC(),
		EndedAt:    time.UnixMilli(g.EndedAt).UTC(),
		DurationMs: g.EndedAt - g.StartedAt,
	}
	for _, id := range g.Order {
		p := g.Players[id]
		rec.Players = append(rec.Players, PlayerResult{
			ID:           p.ID,
			Nickname:     p.Nickname,
			Score:        p.Score,
			MatchesFound: p.MatchesFound,
			IsHost:       p.IsHost,
		})
	}
	for _, w := range g.Winners {
		rec.Winners = append(rec.Winners, w.ID)
	}
	return rec
}

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to postgres and migrates the history table.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("gorm: open: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&MatchRecord{}); err != nil {
		return nil, fmt.Errorf("gorm: migrate match history: %w", err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	if db == nil {
		panic("database connection cannot be nil for Store")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// RecordMatch saves a finished game. Saving the same game twice is not an
// error.
func (s *Store) RecordMatch(ctx context.Context, roomCode string, g engine.State) error {
	rec := FromGame(roomCode, g)
	err := s.db.WithContext(ctx).Create(&rec).Error
	if isDuplicate(err) {
		s.log.Debug("match already recorded", zap.String("game", g.GameID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("gorm: save match %s: %w", g.GameID, err)
	}
	return nil
}

// Recent returns up to limit matches, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]MatchRecord, error) {
	var recs []MatchRecord
	err := s.db.WithContext(ctx).
		Order("ended_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: list matches: %w", err)
	}
	return recs, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Nop is used when no database is configured.
type Nop struct{}

func (Nop) RecordMatch(context.Context, string, engine.State) error { return nil }

func (Nop) Recent(context.Context, int) ([]MatchRecord, error) { return []MatchRecord{}, nil }
