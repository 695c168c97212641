// Package sqlitestore persists the project graph in a SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/resolution"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	uid        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	notes      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	thumbnail  BLOB,
	seq        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS attributes (
	uid      TEXT NOT NULL REFERENCES entities(uid) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	name     TEXT NOT NULL,
	value    TEXT NOT NULL,
	PRIMARY KEY (uid, name)
);
CREATE INDEX IF NOT EXISTS attributes_lookup ON attributes(name, value);
CREATE TABLE IF NOT EXISTS edges (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	source     TEXT NOT NULL REFERENCES entities(uid),
	target     TEXT NOT NULL REFERENCES entities(uid),
	label      TEXT NOT NULL DEFAULT '',
	notes      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE (source, target, label)
);
`

// Store is a graph.Store backed by SQLite.
type Store struct {
	conn *sql.DB
	Path string

	// SQLite allows one writer; holding this keeps plan reads and writes of
	// a merge in one serialized transaction.
	writeMu sync.Mutex
}

var _ graph.Store = (*Store)(nil)

// Open opens the database with WAL mode and foreign keys enabled and
// creates the schema when missing.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlitestore: creating schema: %w", err)
	}
	return &Store{conn: conn, Path: path}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Seed inserts entities outside of a merge.
func (s *Store) Seed(ctx context.Context, entities ...resolution.Entity) error {
	return s.Update(ctx, func(tx graph.Tx) error {
		for _, e := range entities {
			if _, ok, err := tx.Entity(e.UID); err != nil {
				return err
			} else if ok {
				continue
			}
			if err := tx.PutEntity(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Update(ctx context.Context, fn func(graph.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	if err := fn(&tx{ctx: ctx, tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

func (s *Store) Entity(ctx context.Context, uid string) (resolution.Entity, bool, error) {
	return loadEntity(ctx, s.conn, uid)
}

func (s *Store) Entities(ctx context.Context) ([]resolution.Entity, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT uid FROM entities ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list entities: %w", err)
	}
	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		uids = append(uids, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]resolution.Entity, 0, len(uids))
	for _, uid := range uids {
		e, _, err := loadEntity(ctx, s.conn, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) Edges(ctx context.Context) ([]graph.Edge, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT source, target, label, notes, created_at FROM edges ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list edges: %w", err)
	}
	defer rows.Close()
	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var created string
		if err := rows.Scan(&e.Source, &e.Target, &e.Label, &e.Notes, &created); err != nil {
			return nil, err
		}
		e.Created, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadEntity(ctx context.Context, q queryer, uid string) (resolution.Entity, bool, error) {
	var e resolution.Entity
	var created string
	var thumb []byte
	err := q.QueryRowContext(ctx, `SELECT uid, type, notes, created_at, thumbnail FROM entities WHERE uid = ?`, uid).
		Scan(&e.UID, &e.Type, &e.Notes, &created, &thumb)
	if errors.Is(err, sql.ErrNoRows) {
		return resolution.Entity{}, false, nil
	}
	if err != nil {
		return resolution.Entity{}, false, fmt.Errorf("sqlitestore: load %s: %w", uid, err)
	}
	e.Created, _ = time.Parse(time.RFC3339Nano, created)
	e.Thumbnail = thumb
	rows, err := q.QueryContext(ctx, `SELECT name, value FROM attributes WHERE uid = ? ORDER BY position`, uid)
	if err != nil {
		return resolution.Entity{}, false, fmt.Errorf("sqlitestore: load attributes of %s: %w", uid, err)
	}
	defer rows.Close()
	for rows.Next() {
		var f resolution.Field
		if err := rows.Scan(&f.Name, &f.Value); err != nil {
			return resolution.Entity{}, false, err
		}
		e.Fields = append(e.Fields, f)
	}
	return e, true, rows.Err()
}

type tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *tx) Entity(uid string) (resolution.Entity, bool, error) {
	return loadEntity(t.ctx, t.tx, uid)
}

func (t *tx) FindByField(entityType, field, value string) (string, bool, error) {
	var uid string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT e.uid FROM entities e
		JOIN attributes a ON a.uid = e.uid
		WHERE e.type = ? AND a.name = ? AND a.value = ?
		ORDER BY e.seq LIMIT 1`, entityType, field, value).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitestore: find %s: %w", entityType, err)
	}
	return uid, true, nil
}

func (t *tx) HasEdge(source, target, label string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(1) FROM edges WHERE source = ? AND target = ? AND label = ?`,
		source, target, label).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlitestore: check edge: %w", err)
	}
	return n > 0, nil
}

func (t *tx) PutEntity(e resolution.Entity) error {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM entities WHERE uid = ?`, e.UID).Scan(&n); err != nil {
		return fmt.Errorf("sqlitestore: check entity %s: %w", e.UID, err)
	}
	if n > 0 {
		return fmt.Errorf("sqlitestore: %w: %s", graph.ErrEntityExists, e.UID)
	}
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO entities (uid, type, notes, created_at, thumbnail, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entities))`,
		e.UID, e.Type, e.Notes, created.UTC().Format(time.RFC3339Nano), e.Thumbnail)
	if err != nil {
		return fmt.Errorf("sqlitestore: insert entity %s: %w", e.UID, err)
	}
	for pos, f := range e.Fields {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO attributes (uid, position, name, value) VALUES (?, ?, ?, ?)`,
			e.UID, pos, f.Name, f.Value); err != nil {
			return fmt.Errorf("sqlitestore: insert attribute %s of %s: %w", f.Name, e.UID, err)
		}
	}
	return nil
}

func (t *tx) PutEdge(e graph.Edge) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO edges (source, target, label, notes, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source, target, label) DO NOTHING`,
		e.Source, e.Target, e.Label, e.Notes, e.Created.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert edge %s->%s: %w", e.Source, e.Target, err)
	}
	return nil
}
