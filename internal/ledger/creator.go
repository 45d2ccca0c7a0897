package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// CreatorIncomeStatus is the creator-income record lifecycle spec.md §4.I
// names: reserved when a skill designates a creator share at invocation
// time, claimed once the triggering artifact reaches a terminal state.
type CreatorIncomeStatus string

const (
	CreatorIncomeReserved CreatorIncomeStatus = "reserved"
	CreatorIncomeClaimed  CreatorIncomeStatus = "claimed"
)

// CreatorIncomeEntry is one creator-share record, before encryption.
type CreatorIncomeEntry struct {
	CreatorUserID string
	AppID         string
	SkillID       string
	InvocationID  string
	Amount        float64
	CreatedAt     int64
	Status        CreatorIncomeStatus
}

// EncryptedCreatorIncomeEntry is the wire shape written to the record
// store's `creator_income` collection, encrypted with the system-level
// creator key (spec.md §6) rather than a user key, since the creator is
// not necessarily the acting user.
type EncryptedCreatorIncomeEntry struct {
	CreatorUserIDHash  string              `json:"creator_user_id_hash"`
	EncryptedAppID     string              `json:"encrypted_app_id"`
	EncryptedSkillID   string              `json:"encrypted_skill_id"`
	HashedInvocationID string              `json:"hashed_invocation_id"`
	EncryptedAmount    string              `json:"encrypted_amount"`
	CreatedAt          int64               `json:"created_at"`
	Status             CreatorIncomeStatus `json:"status"`
}

// CreatorShareRule decides whether a triggering event marks a reserved
// creator-share entry as claimed. Resolves spec.md §9's Open Question 3
// per SPEC_FULL §12.5: absent a per-skill override, EmbedFinishedRule is
// the default.
type CreatorShareRule interface {
	ShouldClaim(event ArtifactEvent) bool
}

// ArtifactEvent is the generic "a skill's artifact changed state" signal a
// CreatorShareRule inspects. Kind and Status are deliberately untyped
// strings so new artifact kinds (beyond embeds) need no interface change.
type ArtifactEvent struct {
	Kind   string // e.g. "embed"
	Status string // e.g. "finished"
}

// EmbedFinishedRule claims the creator share exactly when an embed artifact
// reaches the terminal "finished" status, per spec.md §4.I's own example.
type EmbedFinishedRule struct{}

func (EmbedFinishedRule) ShouldClaim(event ArtifactEvent) bool {
	return event.Kind == "embed" && event.Status == "finished"
}

// ReserveCreatorShare writes a `reserved` creator-income entry at skill
// invocation time.
func (l *Ledger) ReserveCreatorShare(ctx context.Context, entry CreatorIncomeEntry) (string, error) {
	entry.Status = CreatorIncomeReserved
	return l.writeCreatorIncome(ctx, entry)
}

func (l *Ledger) writeCreatorIncome(ctx context.Context, entry CreatorIncomeEntry) (string, error) {
	ctxBlob := marshalContext(map[string]string{"app_id": entry.AppID, "skill_id": entry.SkillID})

	encryptedAppID, err := l.systemKeys.Encrypt(ctx, l.creatorKey, entry.AppID, ctxBlob)
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt creator app_id: %w", err)
	}
	encryptedSkillID, err := l.systemKeys.Encrypt(ctx, l.creatorKey, entry.SkillID, ctxBlob)
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt creator skill_id: %w", err)
	}
	encryptedAmount, err := l.systemKeys.Encrypt(ctx, l.creatorKey, fmt.Sprintf("%g", entry.Amount), ctxBlob)
	if err != nil {
		return "", fmt.Errorf("ledger: encrypt creator amount: %w", err)
	}

	out := EncryptedCreatorIncomeEntry{
		CreatorUserIDHash:  HashUserID(entry.CreatorUserID),
		EncryptedAppID:     encryptedAppID,
		EncryptedSkillID:   encryptedSkillID,
		HashedInvocationID: hashHex(entry.InvocationID),
		EncryptedAmount:    encryptedAmount,
		CreatedAt:          entry.CreatedAt,
		Status:             entry.Status,
	}

	id, err := l.repo.InsertCreatorIncome(ctx, out)
	if err != nil {
		log.Error().Err(err).Str("app_id", entry.AppID).Str("skill_id", entry.SkillID).Msg("ledger: failed to persist creator income entry")
		return "", fmt.Errorf("ledger: insert creator income entry: %w", err)
	}
	return id, nil
}

// ClaimIfTriggered advances a reserved creator-income entry to claimed when
// event satisfies the rule named by ruleName (empty, or a name absent from
// the Ledger's named rules, uses the default EmbedFinishedRule). The caller
// supplies ruleName; skill manifests carry no field naming a rule.
func (l *Ledger) ClaimIfTriggered(ctx context.Context, creatorIncomeID, ruleName string, event ArtifactEvent) error {
	rule := l.defaultRule
	if ruleName != "" {
		if r, ok := l.shareRules[ruleName]; ok {
			rule = r
		}
	}
	if !rule.ShouldClaim(event) {
		return nil
	}
	return l.repo.UpdateCreatorIncomeStatus(ctx, creatorIncomeID, CreatorIncomeClaimed)
}
