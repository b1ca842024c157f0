// Package store is the sqlite archive behind the relay middlewares. It keeps
// a history of attendance sessions and a count-friendly log of relayed
// messages. Schema changes ship as embedded golang-migrate migrations and are
// applied on open.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// modernc.org/sqlite wants each pragma prefixed with _pragma=. WAL plus
	// a single connection avoids locking trouble for this write-light load.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Session is one archived attendance session.
type Session struct {
	ID            int64
	SourceService string
	StartedAt     time.Time
	EndedAt       time.Time
	Participants  []string
}

// RecordSession archives one completed attendance session.
func (s *Store) RecordSession(ctx context.Context, sourceService string, startedAt, endedAt time.Time, participants []string) error {
	if participants == nil {
		participants = []string{}
	}
	raw, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (source_service, started_at, ended_at, participants) VALUES (?, ?, ?, ?)`,
		sourceService, startedAt.UTC(), endedAt.UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_service, started_at, ended_at, participants
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		var raw string
		if err := rows.Scan(&sess.ID, &sess.SourceService, &sess.StartedAt, &sess.EndedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &sess.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// RecordRelayedMessage logs one message crossing a chat relay.
func (s *Store) RecordRelayedMessage(ctx context.Context, sourceService, destService, sender string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relayed_messages (source_service, dest_service, sender, relayed_at) VALUES (?, ?, ?, ?)`,
		sourceService, destService, sender, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert relayed message: %w", err)
	}
	return nil
}

// RelayedMessageCount reports how many messages a relay pair has carried.
func (s *Store) RelayedMessageCount(ctx context.Context, sourceService, destService string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relayed_messages WHERE source_service = ? AND dest_service = ?`,
		sourceService, destService).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count relayed messages: %w", err)
	}
	return n, nil
}
