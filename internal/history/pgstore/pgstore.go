// Package pgstore keeps chat history in PostgreSQL using two tables: chats
// (one row per chat) and chat_entries (one row per exchange).
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/novaflow/internal/history"
)

// Store is a PostgreSQL-backed [history.Store]. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// New opens a pool to dsn, pings it and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func parseID(id string) (int64, error) {
	if !history.ValidID(id) {
		return 0, fmt.Errorf("%w: %q", history.ErrInvalidID, id)
	}
	return strconv.ParseInt(id, 10, 64)
}

// Create implements [history.Store]. The table lock keeps max+1 unique.
func (s *Store) Create(ctx context.Context) (string, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE chats IN EXCLUSIVE MODE`); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO chats (id)
			SELECT COALESCE(MAX(id), 0) + 1 FROM chats
			RETURNING id`).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("pgstore: create chat: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Exists implements [history.Store].
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := parseID(id)
	if err != nil {
		return false, nil
	}
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, n).Scan(&ok); err != nil {
		return false, fmt.Errorf("pgstore: exists %s: %w", id, err)
	}
	return ok, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM chats ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var n int64
		err := row.Scan(&n)
		return strconv.FormatInt(n, 10), err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: list: %w", err)
	}
	return ids, nil
}

// Append implements [history.Store].
func (s *Store) Append(ctx context.Context, id string, e history.Entry) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO chats (id) VALUES ($1) ON CONFLICT DO NOTHING`, n); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO chat_entries (chat_id, timestamp, user_query, ai_response)
			VALUES ($1, $2, $3, $4)`,
			n, e.Timestamp, e.UserQuery, e.AIResponse)
		return err
	})
	if err != nil {
		return fmt.Errorf("pgstore: append %s: %w", id, err)
	}
	return nil
}

// Read implements [history.Store].
func (s *Store) Read(ctx context.Context, id string) ([]history.Entry, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, user_query, ai_response
		FROM   chat_entries
		WHERE  chat_id = $1
		ORDER  BY seq`, n)
	if err != nil {
		return nil, fmt.Errorf("pgstore: read %s: %w", id, err)
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByPos[history.Entry])
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pgstore: read %s: %w", id, err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

// Clear implements [history.Store].
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE chat_entries, chats`); err != nil {
		return fmt.Errorf("pgstore: clear: %w", err)
	}
	return nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pgstore: %w", err)
	}
	return nil
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
