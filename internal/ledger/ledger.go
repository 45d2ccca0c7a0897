// Package ledger implements the Usage & Creator Ledger (component I):
// appending encrypted Usage Entries for every metered event, and tracking
// creator-share income through its reserved->claimed lifecycle.
//
// Grounded on
// original_source/backend/core/api/app/services/directus/usage.py's
// create_usage_entry: user_id is never stored in the clear (SHA-256 hash
// only), semantic fields (app_id, skill_id, model_used, credit/token counts)
// are encrypted with the user's own vault key so server admins cannot see
// what a user used, and chat_id/message_id are one-way hashed (not
// encrypted) so a user can later correlate their own usage entries without
// the record store ever holding the plaintext id.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/config"
)

// UsageEntry is one metered event, before encryption.
type UsageEntry struct {
	AppID                   string
	SkillID                 string
	UsageType               string
	CreatedAt               int64
	CreditsCharged          float64
	ModelUsed               string
	ChatID                  string
	MessageID               string
	CostSystemPromptCredits float64
	CostHistoryCredits      float64
	CostResponseCredits     float64
	ActualInputTokens       int
	ActualOutputTokens      int
}

// EncryptedUsageEntry is the wire shape written to the record store's
// `usage` collection: every semantic field either encrypted with the
// user's vault key or one-way hashed, matching usage.py's payload exactly
// field-for-field.
type EncryptedUsageEntry struct {
	UserIDHash                 string `json:"user_id_hash"`
	EncryptedAppID             string `json:"encrypted_app_id"`
	EncryptedSkillID           string `json:"encrypted_skill_id"`
	Type                       string `json:"type"`
	CreatedAt                  int64  `json:"created_at"`
	UpdatedAt                  int64  `json:"updated_at"`
	EncryptedCreditsCostsTotal string `json:"encrypted_credits_costs_total"`
	EncryptedModelUsed         string `json:"encrypted_model_used,omitempty"`
	HashedChatID               string `json:"hashed_chat_id,omitempty"`
	HashedMessageID            string `json:"hashed_message_id,omitempty"`
	EncryptedInputTokens       string `json:"encrypted_input_tokens,omitempty"`
	EncryptedOutputTokens      string `json:"encrypted_output_tokens,omitempty"`
}

// UserKeyEncryptor is the narrow transit-client surface the ledger needs to
// encrypt semantic usage fields with a user's own vault key.
type UserKeyEncryptor interface {
	EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error)
}

// SystemKeyEncryptor is the narrow transit-client surface the ledger needs
// to encrypt creator-income fields with a system-level key.
type SystemKeyEncryptor interface {
	Encrypt(ctx context.Context, keyName, plaintext, context string) (string, error)
}

// UsageRepo is the narrow record-store surface the ledger writes to.
// Satisfied by internal/repo's pgx-backed implementation.
type UsageRepo interface {
	InsertUsageEntry(ctx context.Context, entry EncryptedUsageEntry) (id string, err error)
	InsertCreatorIncome(ctx context.Context, entry EncryptedCreatorIncomeEntry) (id string, err error)
	UpdateCreatorIncomeStatus(ctx context.Context, id string, status CreatorIncomeStatus) error
}

// Ledger records usage entries and creator-income entries.
type Ledger struct {
	userKeys    UserKeyEncryptor
	systemKeys  SystemKeyEncryptor
	repo        UsageRepo
	creatorKey  string
	shareRules  map[string]CreatorShareRule
	defaultRule CreatorShareRule
}

// New builds a Ledger. cfg.CreatorIncomeKey is the system key name creator
// income is encrypted under (spec.md §6: "creator_income"); EmbedFinishedRule
// is the default creator-share rule, and namedRules holds the override rules
// ClaimIfTriggered can select by name.
func New(cfg config.TransitConfig, userKeys UserKeyEncryptor, systemKeys SystemKeyEncryptor, repo UsageRepo, namedRules map[string]CreatorShareRule) *Ledger {
	return &Ledger{
		userKeys:    userKeys,
		systemKeys:  systemKeys,
		repo:        repo,
		creatorKey:  cfg.CreatorIncomeKey,
		shareRules:  namedRules,
		defaultRule: EmbedFinishedRule{},
	}
}

// HashUserID returns the SHA-256 hex digest of a user id, the only form of
// the user's identity the usage collection ever stores (spec.md §4.I).
func HashUserID(userID string) string {
	return hashHex(userID)
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RecordUsage encrypts and persists one Usage Entry. Every failure is
// returned to the caller; a failed insert is also logged here, an
// encryption failure is not. Unlike Postprocess, usage recording failures
// do not have a specified task-failure policy in spec.md §4.I, so callers
// (the Orchestrator) treat it as best-effort per the original's
// log-and-return-None behavior and must not fail the user-visible task
// over a ledger write error.
func (l *Ledger) RecordUsage(ctx context.Context, userID, userVaultKeyID string, entry UsageEntry) (string, error) {
	encryptedAppID, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, entry.AppID)
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt app_id: %w", err)
	}
	encryptedSkillID, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, entry.SkillID)
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt skill_id: %w", err)
	}
	encryptedTotal, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, strconv.FormatFloat(entry.CreditsCharged, 'f', -1, 64))
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt credits_charged: %w", err)
	}

	out := EncryptedUsageEntry{
		UserIDHash:                 HashUserID(userID),
		EncryptedAppID:             encryptedAppID,
		EncryptedSkillID:           encryptedSkillID,
		Type:                       entry.UsageType,
		CreatedAt:                  entry.CreatedAt,
		UpdatedAt:                  entry.CreatedAt,
		EncryptedCreditsCostsTotal: encryptedTotal,
	}

	if entry.ModelUsed != "" {
		enc, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, entry.ModelUsed)
		if err != nil {
			return "", fmt.Errorf("ledger: encrypt model_used: %w", err)
		}
		out.EncryptedModelUsed = enc
	}
	if entry.ChatID != "" {
		out.HashedChatID = hashHex(entry.ChatID)
	}
	if entry.MessageID != "" {
		out.HashedMessageID = hashHex(entry.MessageID)
	}
	if entry.ActualInputTokens != 0 {
		enc, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, strconv.Itoa(entry.ActualInputTokens))
		if err != nil {
			return "", fmt.Errorf("ledger: encrypt input_tokens: %w", err)
		}
		out.EncryptedInputTokens = enc
	}
	if entry.ActualOutputTokens != 0 {
		enc, err := l.userKeys.EncryptWithUserKey(ctx, userVaultKeyID, strconv.Itoa(entry.ActualOutputTokens))
		if err != nil {
			return "", fmt.Errorf("ledger: encrypt output_tokens: %w", err)
		}
		out.EncryptedOutputTokens = enc
	}

	id, err := l.repo.InsertUsageEntry(ctx, out)
	if err != nil {
		log.Error().Err(err).Str("app_id", entry.AppID).Str("skill_id", entry.SkillID).Msg("ledger: failed to persist usage entry")
		return "", fmt.Errorf("ledger: insert usage entry: %w", err)
	}
	return id, nil
}

// marshalContext is a small helper for callers that want a stable
// transit "context" argument derived from structured fields (the transit
// API's encrypt/decrypt context binds ciphertext to that context).
func marshalContext(fields map[string]string) string {
	raw, _ := json.Marshal(fields)
	return string(raw)
}
