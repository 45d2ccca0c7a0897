package repo

import (
	"context"

	"github.com/google/uuid"

	"github.com/openmates/orchestrator-core/internal/ledger"
)

// InsertUsageEntry implements ledger.UsageRepo.
func (r *Repo) InsertUsageEntry(ctx context.Context, entry ledger.EncryptedUsageEntry) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
INSERT INTO usage_entries (
    id, user_id_hash, encrypted_app_id, encrypted_skill_id, type,
    created_at, updated_at, encrypted_credits_costs_total,
    encrypted_model_used, hashed_chat_id, hashed_message_id,
    encrypted_input_tokens, encrypted_output_tokens
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, entry.UserIDHash, entry.EncryptedAppID, entry.EncryptedSkillID, entry.Type,
		entry.CreatedAt, entry.UpdatedAt, entry.EncryptedCreditsCostsTotal,
		entry.EncryptedModelUsed, entry.HashedChatID, entry.HashedMessageID,
		entry.EncryptedInputTokens, entry.EncryptedOutputTokens)
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertCreatorIncome implements ledger.UsageRepo.
func (r *Repo) InsertCreatorIncome(ctx context.Context, entry ledger.EncryptedCreatorIncomeEntry) (string, error) {
	id := uuid.NewString()
	_, err := r.pool.Exec(ctx, `
INSERT INTO creator_income (
    id, creator_user_id_hash, encrypted_app_id, encrypted_skill_id,
    hashed_invocation_id, encrypted_amount, created_at, status
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.CreatorUserIDHash, entry.EncryptedAppID, entry.EncryptedSkillID,
		entry.HashedInvocationID, entry.EncryptedAmount, entry.CreatedAt, entry.Status)
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateCreatorIncomeStatus implements ledger.UsageRepo.
func (r *Repo) UpdateCreatorIncomeStatus(ctx context.Context, id string, status ledger.CreatorIncomeStatus) error {
	_, err := r.pool.Exec(ctx, `UPDATE creator_income SET status = $2 WHERE id = $1`, id, status)
	return err
}
