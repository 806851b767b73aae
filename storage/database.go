package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"zipchat/apperrors"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "zipchat.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  id                TEXT PRIMARY KEY,
  sender_id         TEXT NOT NULL,
  recipient_id      TEXT NOT NULL,
  encrypted_content TEXT NOT NULL,
  iv                TEXT NOT NULL,
  created_at        INTEGER NOT NULL,
  expires_at        INTEGER,
  is_read           BOOLEAN NOT NULL DEFAULT 0,
  is_deleted        BOOLEAN NOT NULL DEFAULT 0
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_recipient_time
ON messages (recipient_id, is_deleted, created_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (sender_id, recipient_id, created_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_expiry
ON messages (expires_at) WHERE expires_at IS NOT NULL;
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  user_id    TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
}

// SQLiteStore implements MessageStore on a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	walCheckpointInterval  time.Duration
	walCheckpointStop      chan struct{}
	walCheckpointWG        sync.WaitGroup
	securityEventRetention time.Duration
	closeOnce              sync.Once
}

var _ MessageStore = (*SQLiteStore)(nil)

// Open opens (or creates) zipchat.db under the given data directory and runs migrations.
func Open(dataDir string, opts ...Option) (*SQLiteStore, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := buildOptions(opts)

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Storage("open sqlite database", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperrors.Storage("ping sqlite database", err)
	}

	store := &SQLiteStore{
		db:                     db,
		now:                    o.now,
		walCheckpointInterval:  o.walCheckpointInterval,
		walCheckpointStop:      make(chan struct{}),
		securityEventRetention: o.securityEventRetention,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.Storage("ping sqlite database", err)
	}
	return nil
}

// Close stops the checkpoint loop and closes the SQLite connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLiteStore) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return apperrors.Storage("read schema version", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Storage("begin migration transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return apperrors.Storage(fmt.Sprintf("apply migration %d", i+1), err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return apperrors.Storage(fmt.Sprintf("set schema version %d", i+1), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Storage("commit migration transaction", err)
	}

	return nil
}

func (s *SQLiteStore) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return apperrors.Storage("enable WAL mode", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return apperrors.Storage("enable WAL mode", fmt.Errorf("unexpected journal mode %q", journalMode))
	}
	return nil
}

func (s *SQLiteStore) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return apperrors.Storage("wal checkpoint truncate", err)
	}
	return nil
}

func (s *SQLiteStore) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
