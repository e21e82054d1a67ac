package sqlite

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// pool is a fixed-size pool of SQLite connections with the standard pragmas
// and the schema applied to every connection on first use.
type pool struct {
	inner *sqlitex.Pool
	log   *zap.Logger
	path  string
}

func openPool(path string, size int, log *zap.Logger) (*pool, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}
	// Each in-memory connection is its own database.
	if path == ":memory:" {
		size = 1
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", path, err)
	}

	log.Info("sqlite pool opened", zap.String("path", path), zap.Int("pool_size", size))
	return &pool{inner: inner, log: log, path: path}, nil
}

func (p *pool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: take: %w", err)
	}
	return conn, nil
}

func (p *pool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

func (p *pool) close() error {
	if err := p.inner.Close(); err != nil {
		p.log.Error("sqlite pool close error", zap.String("path", p.path), zap.Error(err))
		return fmt.Errorf("sqlite store: closing %s: %w", p.path, err)
	}
	p.log.Info("sqlite pool closed", zap.String("path", p.path))
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlite store: applying schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS rooms (
	id              TEXT PRIMARY KEY,
	kind            TEXT NOT NULL,
	name            TEXT,
	pair_key        TEXT,
	last_message_id TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS rooms_group_name ON rooms(name) WHERE kind = 'group';
CREATE UNIQUE INDEX IF NOT EXISTS rooms_direct_pair ON rooms(pair_key) WHERE kind = 'direct';

CREATE TABLE IF NOT EXISTS room_members (
	room_id  TEXT NOT NULL,
	user_id  TEXT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS room_members_user ON room_members(user_id);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	room_id    TEXT NOT NULL,
	sender_id  TEXT NOT NULL,
	kind       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room ON messages(room_id, created_at);

CREATE TABLE IF NOT EXISTS message_reads (
	message_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS requests (
	id          TEXT PRIMARY KEY,
	sender_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	pair_key    TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS requests_pending_pair ON requests(pair_key) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS requests_pair ON requests(pair_key, created_at);

CREATE TABLE IF NOT EXISTS notifications (
	id           TEXT PRIMARY KEY,
	recipient_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	message      TEXT NOT NULL,
	is_read      INTEGER NOT NULL DEFAULT 0,
	ref_kind     TEXT NOT NULL DEFAULT '',
	ref_id       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS notifications_recipient ON notifications(recipient_id, is_read, created_at);
`
