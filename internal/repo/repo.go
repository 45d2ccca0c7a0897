// Package repo is the pgx-backed reference record store the core runs
// against in place of the real Directus-backed store, which is out of
// scope for this module. It implements the narrow ContextStore/
// MessageStore/CreditLedger interfaces internal/orchestrator names, the
// ledger.UsageRepo interface internal/ledger names, and the
// skills.RecordStore interface internal/skills names, over seven tables:
// chats, messages, user_profiles, credit_reservations, usage_entries,
// creator_income, embeds.
package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repo is the pgx connection pool every query in this package runs
// against.
type Repo struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool against dsn with the same conservative
// defaults the teacher's newPgPool uses (bounded pool size, connection
// lifetime/idle caps, a short ping to fail fast on a bad DSN).
func Open(ctx context.Context, dsn string) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close releases the underlying pool.
func (r *Repo) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Init creates every table this package needs if it does not already
// exist. Idempotent: safe to call on every process start.
func (r *Repo) Init(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_profiles (
    user_id TEXT PRIMARY KEY,
    credit_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
    reserved_balance DOUBLE PRECISION NOT NULL DEFAULT 0,
    language TEXT NOT NULL DEFAULT '',
    vault_key_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chats (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    sender_name TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS messages_chat_created_idx ON messages(chat_id, created_at);

CREATE TABLE IF NOT EXISTS credit_reservations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS usage_entries (
    id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    user_id_hash TEXT NOT NULL,
    encrypted_app_id TEXT NOT NULL,
    encrypted_skill_id TEXT NOT NULL,
    type TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    encrypted_credits_costs_total TEXT NOT NULL,
    encrypted_model_used TEXT NOT NULL DEFAULT '',
    hashed_chat_id TEXT NOT NULL DEFAULT '',
    hashed_message_id TEXT NOT NULL DEFAULT '',
    encrypted_input_tokens TEXT NOT NULL DEFAULT '',
    encrypted_output_tokens TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS usage_entries_user_hash_idx ON usage_entries(user_id_hash);

CREATE TABLE IF NOT EXISTS creator_income (
    id TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
    creator_user_id_hash TEXT NOT NULL,
    encrypted_app_id TEXT NOT NULL,
    encrypted_skill_id TEXT NOT NULL,
    hashed_invocation_id TEXT NOT NULL,
    encrypted_amount TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS embeds (
    embed_id TEXT PRIMARY KEY,
    task_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    uri TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}
