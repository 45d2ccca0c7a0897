package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsAppliedWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.PreprocessTimeout)
	assert.Equal(t, 180*time.Second, cfg.Pipeline.MainStreamTimeout)
	assert.Equal(t, 4, cfg.Pipeline.MaxToolRounds)
	assert.Equal(t, 120_000, cfg.Pipeline.PreprocessHistoryTokenBudget)
	assert.Equal(t, 60*time.Second, cfg.Skills.DefaultSkillTimeout)
	assert.Equal(t, 4, cfg.Skills.DefaultTaskConcurrency)
	assert.Equal(t, []string{"/vault-data/api.token", "/tmp/vault-token"}, cfg.Transit.TokenFilePaths)
	assert.Equal(t, "creator_income", cfg.Transit.CreatorIncomeKey)
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("VAULT_URL", "https://vault.internal")
	t.Setenv("SERVER_ENVIRONMENT", "development")
	t.Setenv("MAX_TOOL_ROUNDS", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://vault.internal", cfg.Transit.URL)
	assert.Equal(t, "development", cfg.Server.Environment)
	assert.Equal(t, 7, cfg.Pipeline.MaxToolRounds)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	require.NoError(t, err)
}
