// Package store is the engine's persistence layer: gorm models plus thin
// repositories over signals, virtual positions, broker orders and trades.
// Connection setup mirrors the teacher's Postgres-with-SQLite-fallback
// pattern (internal/database/database.go) — AutoMigrate on boot, no
// separate migration tool.
package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the gorm connection and exposes per-aggregate repositories.
type Store struct {
	db *gorm.DB

	Signals   *SignalRepo
	Positions *PositionRepo
	Orders    *OrderRepo
	Trades    *TradeRepo
	Accounts  *AccountRepo
	Recorders *RecorderRepo
}

// Open connects to Postgres when dsn looks like a postgres:// URL, otherwise
// falls back to the sqlite file at sqlitePath, and migrates the schema.
func Open(dsn, sqlitePath string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("📦 store connected (postgres)")
	} else {
		if dir := filepath.Dir(sqlitePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", sqlitePath).Msg("📦 store initialized (sqlite)")
	}

	if err := db.AutoMigrate(
		&Recorder{}, &Trader{}, &BrokerAccount{},
		&Signal{}, &VirtualPosition{}, &BrokerOrder{}, &Trade{},
	); err != nil {
		return nil, err
	}

	return &Store{
		db:        db,
		Signals:   &SignalRepo{db: db},
		Positions: &PositionRepo{db: db},
		Orders:    &OrderRepo{db: db},
		Trades:    &TradeRepo{db: db},
		Accounts:  &AccountRepo{db: db},
		Recorders: &RecorderRepo{db: db},
	}, nil
}

// DB exposes the underlying *gorm.DB for components needing a raw
// transaction.
func (s *Store) DB() *gorm.DB { return s.db }
