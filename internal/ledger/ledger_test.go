package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
)

type fakeUserKeys struct {
	fail bool
}

func (f *fakeUserKeys) EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error) {
	if f.fail {
		return "", errors.New("transit unavailable")
	}
	return "vault:v1:user:" + userKeyID + ":" + plaintext, nil
}

type fakeSystemKeys struct{}

func (f *fakeSystemKeys) Encrypt(ctx context.Context, keyName, plaintext, context string) (string, error) {
	return "vault:v1:sys:" + keyName + ":" + plaintext, nil
}

type fakeRepo struct {
	usageEntries   []EncryptedUsageEntry
	creatorEntries map[string]EncryptedCreatorIncomeEntry
	nextID         int
	insertErr      error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{creatorEntries: make(map[string]EncryptedCreatorIncomeEntry)}
}

func (f *fakeRepo) InsertUsageEntry(ctx context.Context, entry EncryptedUsageEntry) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.usageEntries = append(f.usageEntries, entry)
	f.nextID++
	return "usage-1", nil
}

func (f *fakeRepo) InsertCreatorIncome(ctx context.Context, entry EncryptedCreatorIncomeEntry) (string, error) {
	f.nextID++
	id := "creator-1"
	f.creatorEntries[id] = entry
	return id, nil
}

func (f *fakeRepo) UpdateCreatorIncomeStatus(ctx context.Context, id string, status CreatorIncomeStatus) error {
	entry, ok := f.creatorEntries[id]
	if !ok {
		return errors.New("not found")
	}
	entry.Status = status
	f.creatorEntries[id] = entry
	return nil
}

func TestRecordUsageHashesIDsAndEncryptsSemanticFields(t *testing.T) {
	repo := newFakeRepo()
	l := New(config.TransitConfig{CreatorIncomeKey: "creator_income"}, &fakeUserKeys{}, &fakeSystemKeys{}, repo, nil)

	id, err := l.RecordUsage(context.Background(), "user-42", "vault-key-1", UsageEntry{
		AppID:              "code",
		SkillID:            "get_docs",
		UsageType:          "skill_invocation",
		CreatedAt:          1700000000,
		CreditsCharged:     2.5,
		ModelUsed:          "gpt-5-mini",
		ChatID:             "chat-1",
		MessageID:          "msg-1",
		ActualInputTokens:  100,
		ActualOutputTokens: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, "usage-1", id)

	require.Len(t, repo.usageEntries, 1)
	entry := repo.usageEntries[0]
	assert.Equal(t, HashUserID("user-42"), entry.UserIDHash)
	assert.NotEqual(t, "user-42", entry.UserIDHash)
	assert.Equal(t, "vault:v1:user:vault-key-1:code", entry.EncryptedAppID)
	assert.Equal(t, "vault:v1:user:vault-key-1:get_docs", entry.EncryptedSkillID)
	assert.NotEmpty(t, entry.HashedChatID)
	assert.NotEqual(t, "chat-1", entry.HashedChatID)
	assert.NotEmpty(t, entry.HashedMessageID)
	assert.NotEmpty(t, entry.EncryptedInputTokens)
	assert.NotEmpty(t, entry.EncryptedOutputTokens)
}

func TestRecordUsagePropagatesEncryptionFailure(t *testing.T) {
	repo := newFakeRepo()
	l := New(config.TransitConfig{}, &fakeUserKeys{fail: true}, &fakeSystemKeys{}, repo, nil)

	_, err := l.RecordUsage(context.Background(), "user-1", "vault-key-1", UsageEntry{AppID: "code", SkillID: "get_docs"})
	require.Error(t, err)
	assert.Empty(t, repo.usageEntries)
}

func TestReserveAndClaimCreatorShareViaEmbedFinishedRule(t *testing.T) {
	repo := newFakeRepo()
	l := New(config.TransitConfig{CreatorIncomeKey: "creator_income"}, &fakeUserKeys{}, &fakeSystemKeys{}, repo, nil)

	id, err := l.ReserveCreatorShare(context.Background(), CreatorIncomeEntry{
		CreatorUserID: "creator-7",
		AppID:         "code",
		SkillID:       "get_docs",
		InvocationID:  "inv-1",
		Amount:        1.25,
		CreatedAt:     1700000000,
	})
	require.NoError(t, err)
	assert.Equal(t, CreatorIncomeReserved, repo.creatorEntries[id].Status)

	err = l.ClaimIfTriggered(context.Background(), id, "", ArtifactEvent{Kind: "embed", Status: "processing"})
	require.NoError(t, err)
	assert.Equal(t, CreatorIncomeReserved, repo.creatorEntries[id].Status)

	err = l.ClaimIfTriggered(context.Background(), id, "", ArtifactEvent{Kind: "embed", Status: "finished"})
	require.NoError(t, err)
	assert.Equal(t, CreatorIncomeClaimed, repo.creatorEntries[id].Status)
}

type alwaysClaimRule struct{}

func (alwaysClaimRule) ShouldClaim(ArtifactEvent) bool { return true }

func TestClaimIfTriggeredUsesNamedOverrideRule(t *testing.T) {
	repo := newFakeRepo()
	l := New(config.TransitConfig{CreatorIncomeKey: "creator_income"}, &fakeUserKeys{}, &fakeSystemKeys{}, repo, map[string]CreatorShareRule{
		"always_claim": alwaysClaimRule{},
	})

	id, err := l.ReserveCreatorShare(context.Background(), CreatorIncomeEntry{CreatorUserID: "creator-7", AppID: "code", SkillID: "get_docs"})
	require.NoError(t, err)

	err = l.ClaimIfTriggered(context.Background(), id, "always_claim", ArtifactEvent{Kind: "anything", Status: "whatever"})
	require.NoError(t, err)
	assert.Equal(t, CreatorIncomeClaimed, repo.creatorEntries[id].Status)
}
