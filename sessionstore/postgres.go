package sessionstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_entries (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	parent_id  TEXT,
	type       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	payload    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS session_entries_session_seq ON session_entries (session_id, seq);
`

// PostgresLog stores entries in a single table. Appends to one session are
// serialized across processes with a transaction-scoped advisory lock keyed
// on the session id.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog connects to dsn and ensures the schema exists.
func NewPostgresLog(ctx context.Context, dsn string, maxConns int32) (*PostgresLog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore.NewPostgresLog: parse config")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore.NewPostgresLog: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "sessionstore.NewPostgresLog: ping")
	}
	l := &PostgresLog{pool: pool}
	if err := l.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

// EnsureSchema creates the entries table if it does not exist.
func (l *PostgresLog) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "sessionstore.EnsureSchema")
	}
	return nil
}

// Close releases the connection pool.
func (l *PostgresLog) Close() {
	l.pool.Close()
}

func (l *PostgresLog) Append(ctx context.Context, sessionID string, next func(head string) (Entry, error)) (Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Entry{}, errors.Wrap(err, "sessionstore.Append: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return Entry{}, errors.Wrap(err, "sessionstore.Append: lock")
	}

	var head string
	err = tx.QueryRow(ctx,
		`SELECT id FROM session_entries WHERE session_id = $1 ORDER BY seq DESC LIMIT 1`,
		sessionID,
	).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, errors.Wrap(err, "sessionstore.Append: head")
	}

	e, err := next(head)
	if err != nil {
		return Entry{}, err
	}

	var parent *string
	if e.ParentID != "" {
		parent = &e.ParentID
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO session_entries (id, session_id, parent_id, type, created_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SessionID, parent, string(e.Type), e.Timestamp, []byte(e.Payload),
	)
	if err != nil {
		return Entry{}, errors.Wrap(err, "sessionstore.Append: insert")
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, errors.Wrap(err, "sessionstore.Append: commit")
	}
	return e, nil
}

func (l *PostgresLog) Load(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT id, session_id, COALESCE(parent_id, ''), type, created_at, payload
		 FROM session_entries WHERE session_id = $1
		 ORDER BY seq ASC`,
		sessionID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore.Load")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.ParentID, &typ, &e.Timestamp, &payload); err != nil {
			return nil, errors.Wrap(err, "sessionstore.Load: scan")
		}
		e.Type = EntryType(typ)
		e.Payload = payload
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sessionstore.Load: rows")
	}
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	return entries, nil
}

func (l *PostgresLog) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT session_id, MIN(seq) AS first
		 FROM session_entries GROUP BY session_id ORDER BY first`)
	if err != nil {
		return nil, errors.Wrap(err, "sessionstore.Sessions")
	}
	var ids []string
	for rows.Next() {
		var id string
		var first int64
		if err := rows.Scan(&id, &first); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sessionstore.Sessions: scan")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sessionstore.Sessions: rows")
	}

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		entries, err := l.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(id, entries))
	}
	return out, nil
}

func (l *PostgresLog) Locate(ctx context.Context, entryID string) (string, error) {
	var sid string
	err := l.pool.QueryRow(ctx, `SELECT session_id FROM session_entries WHERE id = $1`, entryID).Scan(&sid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrap(err, "sessionstore.Locate")
	}
	return sid, nil
}
