package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/openmates/orchestrator-core/internal/orchestrator"
)

// ErrNotFound is returned when a lookup finds no matching row, mirroring
// the teacher's persistence.ErrNotFound.
var ErrNotFound = errors.New("repo: not found")

// LoadUserProfile implements orchestrator.ContextStore.
func (r *Repo) LoadUserProfile(ctx context.Context, userID string) (orchestrator.UserProfile, error) {
	row := r.pool.QueryRow(ctx, `
SELECT user_id, credit_balance, language, vault_key_id
FROM user_profiles
WHERE user_id = $1`, userID)

	var p orchestrator.UserProfile
	if err := row.Scan(&p.UserID, &p.CreditBalance, &p.Language, &p.VaultKeyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orchestrator.UserProfile{}, ErrNotFound
		}
		return orchestrator.UserProfile{}, err
	}
	return p, nil
}

// LoadHistory implements orchestrator.ContextStore.
func (r *Repo) LoadHistory(ctx context.Context, chatID string) ([]orchestrator.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT sender_name, content, EXTRACT(EPOCH FROM created_at)::BIGINT
FROM messages
WHERE chat_id = $1
ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]orchestrator.HistoryEntry, 0)
	for rows.Next() {
		var h orchestrator.HistoryEntry
		if err := rows.Scan(&h.SenderName, &h.Content, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LoadChatSummary implements orchestrator.ContextStore.
func (r *Repo) LoadChatSummary(ctx context.Context, chatID string) (string, error) {
	row := r.pool.QueryRow(ctx, `SELECT summary FROM chats WHERE id = $1`, chatID)
	var summary string
	if err := row.Scan(&summary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return summary, nil
}

// PersistAssistantMessage implements orchestrator.MessageStore.
func (r *Repo) PersistAssistantMessage(ctx context.Context, chatID, messageID, content string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO messages (id, chat_id, sender_name, content)
VALUES ($1, $2, 'assistant', $3)
ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content`, messageID, chatID, content)
	return err
}

// UpdateChatVersion implements orchestrator.MessageStore.
func (r *Repo) UpdateChatVersion(ctx context.Context, chatID string, messageCount int) error {
	_, err := r.pool.Exec(ctx, `
UPDATE chats SET version = $2, updated_at = NOW() WHERE id = $1`, chatID, messageCount)
	return err
}
