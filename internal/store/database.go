package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

// Database persists the state tree in Postgres.
type Database struct {
	conn *sql.DB
}

var _ state.Store = (*Database)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS state_objects (
	path       TEXT PRIMARY KEY,
	node       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS state_values (
	path       TEXT PRIMARY KEY,
	val        JSONB,
	ack        BOOLEAN NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func NewDatabase(ctx context.Context, url string) (*Database, error) {
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &Database{conn: conn}
	if err := db.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	return db.conn.Close()
}

func (db *Database) Object(ctx context.Context, path string) (state.Node, error) {
	var raw []byte
	err := db.conn.QueryRowContext(ctx, `SELECT node FROM state_objects WHERE path = $1`, path).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Node{}, state.ErrNotFound
	}
	if err != nil {
		return state.Node{}, err
	}

	var node state.Node
	if err := json.Unmarshal(raw, &node); err != nil {
		return state.Node{}, fmt.Errorf("decode node %s: %w", path, err)
	}
	return node, nil
}

func (db *Database) CreateObject(ctx context.Context, node state.Node) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO state_objects (path, node)
		VALUES ($1, $2)
		ON CONFLICT (path) DO NOTHING
	`
	_, err = db.conn.ExecContext(ctx, query, node.Path, raw)
	return err
}

func (db *Database) SetValue(ctx context.Context, path string, v state.Value) error {
	raw, err := json.Marshal(v.Val)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO state_values (path, val, ack, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE
		SET val = EXCLUDED.val, ack = EXCLUDED.ack, updated_at = EXCLUDED.updated_at
	`
	_, err = db.conn.ExecContext(ctx, query, path, raw, v.Ack, v.UpdatedAt)
	return err
}

func (db *Database) Value(ctx context.Context, path string) (state.Value, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT val, ack, updated_at FROM state_values WHERE path = $1`, path)
	v, err := scanValue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return state.Value{}, state.ErrNotFound
	}
	return v, err
}

func (db *Database) Values(ctx context.Context, prefix string) (map[string]state.Value, error) {
	query := `SELECT path, val, ack, updated_at FROM state_values`
	var args []any
	if prefix != "" {
		query += ` WHERE path = $1 OR path LIKE $2`
		args = append(args, prefix, likePrefix(prefix))
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]state.Value)
	for rows.Next() {
		var path string
		var raw []byte
		var v state.Value
		if err := rows.Scan(&path, &raw, &v.Ack, &v.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &v.Val); err != nil {
			return nil, fmt.Errorf("decode value %s: %w", path, err)
		}
		out[path] = v
	}
	return out, rows.Err()
}

func (db *Database) DeleteTree(ctx context.Context, prefix string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"state_values", "state_objects"} {
		query := `DELETE FROM ` + table
		var args []any
		if prefix != "" {
			query += ` WHERE path = $1 OR path LIKE $2`
			args = append(args, prefix, likePrefix(prefix))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete %s from %s: %w", prefix, table, err)
		}
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanValue(row scanner) (state.Value, error) {
	var raw []byte
	var v state.Value
	if err := row.Scan(&raw, &v.Ack, &v.UpdatedAt); err != nil {
		return state.Value{}, err
	}
	if err := json.Unmarshal(raw, &v.Val); err != nil {
		return state.Value{}, err
	}
	return v, nil
}

// likePrefix matches every path below prefix. Underscores are common in
// sanitized names and must not act as wildcards.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + ".%"
}
