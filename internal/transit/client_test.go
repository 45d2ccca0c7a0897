package transit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmates/orchestrator-core/internal/config"
)

func TestDecryptRejectsMissingVaultPrefix(t *testing.T) {
	c := New(config.TransitConfig{URL: "http://unused", Token: "t", TokenCacheTTL: time.Minute}, http.DefaultClient)
	_, err := c.Decrypt(context.Background(), "user-key", "not-a-vault-ciphertext", "")
	require.ErrorIs(t, err, ErrWrongScheme)
}

func TestEncryptDecryptRoundTripAgainstFakeServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transit/encrypt/user-key":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"ciphertext": "vault:v1:abc123"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transit/decrypt/user-key":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"plaintext": "aGVsbG8="}, // base64("hello")
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(config.TransitConfig{URL: srv.URL, Token: "t", TokenCacheTTL: time.Minute}, srv.Client())
	ct, err := c.Encrypt(context.Background(), "user-key", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "vault:v1:abc123", ct)

	pt, err := c.Decrypt(context.Background(), "user-key", ct, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", pt)
}

func TestAuthFailureReloadsTokenFile(t *testing.T) {
	dir := t.TempDir()
	tokenPath := dir + "/token"
	require.NoError(t, os.WriteFile(tokenPath, []byte("fresh-token"), 0o600))

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("X-Vault-Token") != "fresh-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"ciphertext": "vault:v1:xyz"},
		})
	}))
	defer srv.Close()

	c := New(config.TransitConfig{
		URL:            srv.URL,
		Token:          "stale-token",
		TokenFilePaths: []string{tokenPath},
		TokenCacheTTL:  time.Minute,
	}, srv.Client())

	ct, err := c.Encrypt(context.Background(), "user-key", "hello", "")
	require.NoError(t, err)
	assert.Equal(t, "vault:v1:xyz", ct)
	assert.Equal(t, 2, calls) // first attempt fails 403, second succeeds after reload
}
