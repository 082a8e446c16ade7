// Package store keeps an optional SQLite audit trail of API fetches: one
// row per network unit and the raw response payloads behind them.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// timeLayout is used for every timestamp column so that range filters can
// compare text lexicographically.
const timeLayout = "2006-01-02 15:04:05"

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
	log   logrus.FieldLogger
}

func New(db *sql.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, clock: clockwork.NewRealClock(), log: log}
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// A single connection keeps :memory: databases shared and serialises
	// writers from the worker pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the clock used for timestamps and retention cutoffs.
func (s *Store) SetClock(c clockwork.Clock) {
	s.clock = c
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, v, time.UTC)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
