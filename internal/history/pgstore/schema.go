package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlChats = `
CREATE TABLE IF NOT EXISTS chats (
    id          BIGINT       PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);`

const ddlChatEntries = `
CREATE TABLE IF NOT EXISTS chat_entries (
    seq          BIGSERIAL  PRIMARY KEY,
    chat_id      BIGINT     NOT NULL REFERENCES chats (id) ON DELETE CASCADE,
    timestamp    TEXT       NOT NULL,
    user_query   TEXT       NOT NULL,
    ai_response  TEXT       NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_entries_chat_id
    ON chat_entries (chat_id, seq);`

// Migrate creates the chats and chat_entries tables when missing. It is
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlChats, ddlChatEntries} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}
