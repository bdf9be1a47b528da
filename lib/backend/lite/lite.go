/*
Copyright 2025 TermGate Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package lite implements the storage backend on an embedded SQLite
// database with WAL journaling.
package lite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/termgate/termgate"
	"github.com/termgate/termgate/lib/backend"
	"github.com/termgate/termgate/lib/defaults"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
    identity_hash TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (identity_hash, key)
);
CREATE TABLE IF NOT EXISTS drafts (
    identity_hash TEXT NOT NULL,
    session_name TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (identity_hash, session_name)
);
CREATE TABLE IF NOT EXISTS annotations (
    identity_hash TEXT NOT NULL,
    session_name TEXT NOT NULL,
    file_path TEXT NOT NULL,
    content TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (identity_hash, session_name, file_path)
);
`

// Config sets up the SQLite backend.
type Config struct {
	// Path is the database file location.
	Path string
	// BusyTimeout bounds waiting on a locked database.
	BusyTimeout time.Duration
	// Clock stamps updated_at columns.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = defaults.StoreBusyTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// connectionString carries the pragmas in the DSN so every connection
// in the pool gets them.
func (cfg *Config) connectionString() string {
	return fmt.Sprintf("%v?_busy_timeout=%v&_journal_mode=WAL&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
}

// Backend stores per-identity records in a single SQLite file.
type Backend struct {
	Config
	log *log.Entry
	db  *sql.DB
}

// New opens or creates the database and applies the schema.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", cfg.connectionString())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	b := &Backend{
		Config: cfg,
		log: log.WithFields(log.Fields{
			trace.Component: termgate.ComponentBackend,
		}),
		db: db,
	}
	return b, nil
}

// GetSetting returns a scalar setting or trace.NotFound.
func (b *Backend) GetSetting(ctx context.Context, identity, key string) (*backend.Item, error) {
	return b.getItem(ctx,
		"SELECT value, updated_at FROM settings WHERE identity_hash = ? AND key = ?",
		identity, key)
}

// PutSetting creates or replaces a scalar setting.
func (b *Backend) PutSetting(ctx context.Context, identity, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO settings (identity_hash, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (identity_hash, key)
DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		identity, key, value, b.now())
	return trace.Wrap(err)
}

// GetDraft returns the editor draft for a session or trace.NotFound.
func (b *Backend) GetDraft(ctx context.Context, identity, session string) (*backend.Item, error) {
	return b.getItem(ctx,
		"SELECT content, updated_at FROM drafts WHERE identity_hash = ? AND session_name = ?",
		identity, session)
}

// PutDraft creates or replaces the editor draft for a session.
func (b *Backend) PutDraft(ctx context.Context, identity, session, content string) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO drafts (identity_hash, session_name, content, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (identity_hash, session_name)
DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		identity, session, content, b.now())
	return trace.Wrap(err)
}

// GetAnnotation returns the annotation for a file within a session or
// trace.NotFound.
func (b *Backend) GetAnnotation(ctx context.Context, identity, session, filePath string) (*backend.Item, error) {
	return b.getItem(ctx,
		"SELECT content, updated_at FROM annotations WHERE identity_hash = ? AND session_name = ? AND file_path = ?",
		identity, session, filePath)
}

// PutAnnotation creates or replaces the annotation for a file within a
// session.
func (b *Backend) PutAnnotation(ctx context.Context, identity, session, filePath string, content string) error {
	_, err := b.db.ExecContext(ctx, `
INSERT INTO annotations (identity_hash, session_name, file_path, content, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT (identity_hash, session_name, file_path)
DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		identity, session, filePath, content, b.now())
	return trace.Wrap(err)
}

// PurgeBefore deletes drafts and annotations last updated before
// cutoff. Settings are kept forever.
func (b *Backend) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	epoch := cutoff.UTC().Unix()
	var purged int64
	err := b.inTransaction(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM drafts WHERE updated_at < ?",
			"DELETE FROM annotations WHERE updated_at < ?",
		} {
			result, err := tx.ExecContext(ctx, stmt, epoch)
			if err != nil {
				return trace.Wrap(err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return trace.Wrap(err)
			}
			purged += n
		}
		return nil
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if purged > 0 {
		b.log.Infof("Purged %v stale records older than %v.", purged, cutoff.Format(time.RFC3339))
	}
	return nil
}

// Close releases the database handle.
func (b *Backend) Close() error {
	return trace.Wrap(b.db.Close())
}

func (b *Backend) now() int64 {
	return b.Clock.Now().UTC().Unix()
}

func (b *Backend) getItem(ctx context.Context, query string, args ...interface{}) (*backend.Item, error) {
	var value string
	var updatedAt int64
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&value, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, trace.NotFound("record not found")
		}
		return nil, trace.Wrap(err)
	}
	return &backend.Item{
		Value:     value,
		UpdatedAt: time.Unix(updatedAt, 0).UTC(),
	}, nil
}

func (b *Backend) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			b.log.Warnf("Failed to rollback transaction: %v.", rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}
