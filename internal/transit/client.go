// Package transit implements the Secrets & Transit Service Client
// (component A): fetching provider API keys and performing envelope
// encrypt/decrypt/HMAC against a transit keystore, with a cached service
// token and short-TTL secret cache.
package transit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/observability"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/retry"
)

// ciphertextPrefix is the literal envelope prefix the transit service writes
// (vault:v1:...). Decryption must reject values lacking it.
const ciphertextPrefix = "vault:"

// ErrWrongScheme is returned by Decrypt/DecryptWithUserKey when the supplied
// ciphertext does not carry the transit prefix, signalling the caller should
// retry against a client-side scheme instead.
var ErrWrongScheme = pipelineerr.New(pipelineerr.KindConfig, nil, "WRONG_SCHEME")

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

type cachedToken struct {
	value     string
	checkedAt time.Time
}

// Client is a thread-safe client against the transit keystore HTTP API.
// Concurrent tasks share one Client instance.
type Client struct {
	cfg        config.TransitConfig
	httpClient *http.Client

	mu      sync.RWMutex
	token   cachedToken
	secrets map[string]cachedSecret
}

// New constructs a Client. If httpClient is nil, http.DefaultClient is used.
func New(cfg config.TransitConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		secrets:    make(map[string]cachedSecret),
	}
}

// authToken returns the cached service token, re-resolving it (cfg.Token,
// else the token file) at most every cfg.TokenCacheTTL. The re-read of the
// token file on a 401/403 is done by reloadTokenFromFile, not here, and a
// transient failure never triggers it.
func (c *Client) authToken() (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()

	if tok.value != "" && time.Since(tok.checkedAt) < c.cfg.TokenCacheTTL {
		return tok.value, nil
	}

	value := c.cfg.Token
	if value == "" {
		value = readTokenFile(c.cfg.TokenFilePaths)
	}
	if value == "" {
		return "", pipelineerr.New(pipelineerr.KindConfig, nil, "no transit service token configured")
	}

	c.mu.Lock()
	c.token = cachedToken{value: value, checkedAt: time.Now()}
	c.mu.Unlock()
	return value, nil
}

// reloadTokenFromFile forces a re-read of the token file, called when the
// transit service responds 401/403.
func (c *Client) reloadTokenFromFile() string {
	value := readTokenFile(c.cfg.TokenFilePaths)
	c.mu.Lock()
	c.token = cachedToken{value: value, checkedAt: time.Now()}
	c.mu.Unlock()
	return value
}

func readTokenFile(paths []string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if data, err := os.ReadFile(p); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

type vaultRequest struct {
	Plaintext  string `json:"plaintext,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Input      string `json:"input,omitempty"`
	Context    string `json:"context,omitempty"`
}

type vaultResponse struct {
	Data struct {
		Ciphertext string `json:"ciphertext,omitempty"`
		Plaintext  string `json:"plaintext,omitempty"`
		HMAC       string `json:"hmac,omitempty"`
	} `json:"data"`
}

// do performs an HTTP call against the transit service, retrying once after
// reloading the token file on a 401/403, per spec.md §4.A, and retrying
// TRANSIENT failures (network errors, 5xx) with the bounded exponential
// backoff internal/retry applies to the rest of the pipeline.
func (c *Client) do(ctx context.Context, method, path string, body any) (*vaultResponse, error) {
	var result *vaultResponse
	err := retry.Do(ctx, retry.Default, func(ctx context.Context) error {
		resp, err := c.doOnce(ctx, method, path, body)
		if err != nil {
			return err
		}
		result = resp
		return nil
	})
	return result, err
}

// doOnce performs one HTTP call, retrying once after reloading the token
// file on a 401/403.
func (c *Client) doOnce(ctx context.Context, method, path string, body any) (*vaultResponse, error) {
	log := observability.LoggerWithTrace(ctx)

	attempt := func(token string) (*vaultResponse, int, error) {
		var reqBody []byte
		var err error
		if body != nil {
			reqBody, err = json.Marshal(body)
			if err != nil {
				return nil, 0, pipelineerr.New(pipelineerr.KindInternal, err, "marshal transit request")
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.cfg.URL, "/")+"/"+strings.TrimPrefix(path, "/"),
			httpBody(reqBody))
		if err != nil {
			return nil, 0, pipelineerr.New(pipelineerr.KindInternal, err, "build transit request")
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Vault-Token", token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, pipelineerr.New(pipelineerr.KindTransient, err, "transit request failed")
		}
		defer resp.Body.Close()

		var parsed vaultResponse
		_ = json.NewDecoder(resp.Body).Decode(&parsed)
		return &parsed, resp.StatusCode, nil
	}

	token, err := c.authToken()
	if err != nil {
		return nil, err
	}

	resp, status, err := attempt(token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		log.Warn().Int("status", status).Msg("transit_auth_failure_reloading_token")
		token = c.reloadTokenFromFile()
		if token == "" {
			return nil, pipelineerr.New(pipelineerr.KindAuth, nil, "transit auth failed and no token file available")
		}
		resp, status, err = attempt(token)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, pipelineerr.New(pipelineerr.KindAuth, nil, "transit auth failed after token reload")
		}
	}
	if status >= 500 {
		return nil, pipelineerr.New(pipelineerr.KindTransient, nil, fmt.Sprintf("transit service returned %d", status))
	}
	if status >= 400 {
		return nil, pipelineerr.New(pipelineerr.KindConfig, nil, fmt.Sprintf("transit service returned %d", status))
	}
	return resp, nil
}

func httpBody(b []byte) *strings.Reader {
	if b == nil {
		return strings.NewReader("{}")
	}
	return strings.NewReader(string(b))
}

// Encrypt wraps plaintext under keyName, with an optional derivation context.
func (c *Client) Encrypt(ctx context.Context, keyName, plaintext, context_ string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "v1/transit/encrypt/"+keyName, vaultRequest{
		Plaintext: base64.StdEncoding.EncodeToString([]byte(plaintext)),
		Context:   context_,
	})
	if err != nil {
		return "", err
	}
	return resp.Data.Ciphertext, nil
}

// Decrypt unwraps ciphertext under keyName. If ciphertext does not carry the
// vault: prefix, it returns ErrWrongScheme rather than attempting the call,
// so the caller can try a client-side scheme instead.
func (c *Client) Decrypt(ctx context.Context, keyName, ciphertext, context_ string) (string, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return "", ErrWrongScheme
	}
	resp, err := c.do(ctx, http.MethodPost, "v1/transit/decrypt/"+keyName, vaultRequest{
		Ciphertext: ciphertext,
		Context:    context_,
	})
	if err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return "", pipelineerr.New(pipelineerr.KindInternal, err, "decode transit plaintext")
	}
	return string(decoded), nil
}

// HMAC computes an HMAC over data under keyName.
func (c *Client) HMAC(ctx context.Context, keyName, data string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "v1/transit/hmac/"+keyName, vaultRequest{
		Input: base64.StdEncoding.EncodeToString([]byte(data)),
	})
	if err != nil {
		return "", err
	}
	return resp.Data.HMAC, nil
}

// CreateUserKey creates a new derived, non-exportable user key and returns
// its opaque key id.
func (c *Client) CreateUserKey(ctx context.Context) (string, error) {
	keyID := newUserKeyID()
	_, err := c.do(ctx, http.MethodPost, "v1/transit/keys/"+keyID, map[string]any{
		"type":       "aes256-gcm96",
		"derived":    true,
		"exportable": false,
	})
	if err != nil {
		return "", err
	}
	return keyID, nil
}

// EncryptWithUserKey encrypts plaintext under the user's key, deriving the
// key context from base64(user_key_id) per spec.md §3.
func (c *Client) EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error) {
	return c.Encrypt(ctx, userKeyID, plaintext, base64.StdEncoding.EncodeToString([]byte(userKeyID)))
}

// DecryptWithUserKey decrypts ciphertext under the user's key.
func (c *Client) DecryptWithUserKey(ctx context.Context, userKeyID, ciphertext string) (string, error) {
	return c.Decrypt(ctx, userKeyID, ciphertext, base64.StdEncoding.EncodeToString([]byte(userKeyID)))
}

// GetSecret fetches a secret at path/key, using a cfg.SecretCacheTTL cache.
func (c *Client) GetSecret(ctx context.Context, path, key string) (string, error) {
	cacheKey := path + "#" + key
	c.mu.RLock()
	cached, ok := c.secrets[cacheKey]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "v1/secret/data/"+path, nil)
	if err != nil {
		return "", err
	}
	var data map[string]any
	b, _ := json.Marshal(resp.Data)
	_ = json.Unmarshal(b, &data)
	v, _ := data[key].(string)
	if v == "" {
		return "", pipelineerr.New(pipelineerr.KindConfig, nil, fmt.Sprintf("secret %q not found at %q", key, path))
	}

	c.mu.Lock()
	c.secrets[cacheKey] = cachedSecret{value: v, expiresAt: time.Now().Add(c.cfg.SecretCacheTTL)}
	c.mu.Unlock()
	return v, nil
}
