// Package config defines the typed, nested configuration surface the
// orchestration core reads: one sub-struct per ambient concern and one per
// LLM provider, loaded from an optional YAML file and overlaid with
// environment variables, in the spirit of the teacher's env-first loader
// (direct field assignment, no reflection-driven tag magic).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the root configuration object, built by Load.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Transit       TransitConfig       `yaml:"transit"`
	RecordStore   RecordStoreConfig   `yaml:"record_store"`
	Queue         QueueConfig         `yaml:"queue"`
	Redis         RedisConfig         `yaml:"redis"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Models        ModelsConfig        `yaml:"models"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Skills        SkillsConfig        `yaml:"skills"`
	ObjectStore   S3Config            `yaml:"object_store"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	Environment string `yaml:"environment"` // "development" | "production"
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// TransitConfig configures the Secrets & Transit Service Client (component A).
type TransitConfig struct {
	URL                string        `yaml:"url"`
	Token              string        `yaml:"token"`
	TokenFilePaths     []string      `yaml:"token_file_paths"`
	TokenCacheTTL      time.Duration `yaml:"token_cache_ttl"`
	SecretCacheTTL     time.Duration `yaml:"secret_cache_ttl"`
	OAuthClientID      string        `yaml:"oauth_client_id"`
	OAuthClientSec     string        `yaml:"oauth_client_secret"`
	OAuthTokenURL      string        `yaml:"oauth_token_url"`
	EmailHMACKey       string        `yaml:"email_hmac_key_name"`
	SharedContentKey   string        `yaml:"shared_content_metadata_key_name"`
	CreatorIncomeKey   string        `yaml:"creator_income_key_name"`
	NewsletterKey      string        `yaml:"newsletter_key_name"`
	SupportPaymentsKey string        `yaml:"support_payments_key_name"`
}

// RecordStoreConfig configures the pgx-backed reference RecordStore.
type RecordStoreConfig struct {
	DSN string `yaml:"dsn"`
}

// QueueConfig configures the kafka-go based queue client.
type QueueConfig struct {
	Brokers          []string `yaml:"brokers"`
	SkillJobsTopic   string   `yaml:"skill_jobs_topic"`
	SkillResultTopic string   `yaml:"skill_results_topic"`
	TaskIntakeTopic  string   `yaml:"task_intake_topic"`
	DLQSuffix        string   `yaml:"dlq_suffix"`
}

// RedisConfig configures the Redis client used for queued-skill
// correlation-id waits (component E) and task idempotency dedupe
// (component H).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProvidersConfig nests one config per LLM provider.
type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Google    GoogleConfig    `yaml:"google"`
	Groq      OpenAIConfig    `yaml:"groq"`
	Mistral   OpenAIConfig    `yaml:"mistral"`
}

// OpenAIConfig covers OpenAI and any OpenAI-compatible provider (Groq,
// Mistral) by swapping BaseURL.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// GoogleConfig configures the Gemini adapter.
type GoogleConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// ModelsConfig maps the Preprocess Stage's model_selector tiers
// ("fast", "balanced", "max") onto the concrete provider/model pair the
// Main Stage actually calls.
type ModelsConfig struct {
	Fast     ModelRef `yaml:"fast"`
	Balanced ModelRef `yaml:"balanced"`
	Max      ModelRef `yaml:"max"`
}

// ModelRef names the adapter (providers.Name) and model id a tier resolves to.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PipelineConfig holds the timeouts and budgets spec.md §5 and §4.H name.
type PipelineConfig struct {
	PreprocessTimeout            time.Duration `yaml:"preprocess_timeout"`
	MainStreamTimeout            time.Duration `yaml:"main_stream_timeout"`
	PostprocessPhaseTimeout      time.Duration `yaml:"postprocess_phase_timeout"`
	TaskWallClockTimeout         time.Duration `yaml:"task_wall_clock_timeout"`
	MaxToolRounds                int           `yaml:"max_tool_rounds"`
	PreprocessHistoryTokenBudget int           `yaml:"preprocess_history_token_budget"`
	SkillCancelGrace             time.Duration `yaml:"skill_cancel_grace"`
	MinReserveCredits            float64       `yaml:"min_reserve_credits"`
}

// SkillsConfig configures the Skill Registry & Dispatcher (component E).
type SkillsConfig struct {
	ManifestRoot           string        `yaml:"manifest_root"`
	DefaultSkillTimeout    time.Duration `yaml:"default_skill_timeout"`
	DefaultTaskConcurrency int           `yaml:"default_task_concurrency"`
	QueuedDispatchDeadline time.Duration `yaml:"queued_dispatch_deadline"`
}

// S3Config configures the object store skills write embed binary content
// through (internal/objectstore.S3Store). Left zero-valued, a deployment
// falls back to the in-memory store, which is adequate for tests but not
// for a real embed that must outlive the process.
type S3Config struct {
	Bucket                string      `yaml:"bucket"`
	Region                string      `yaml:"region"`
	Endpoint              string      `yaml:"endpoint"`
	AccessKey             string      `yaml:"access_key"`
	SecretKey             string      `yaml:"secret_key"`
	Prefix                string      `yaml:"prefix"`
	UsePathStyle          bool        `yaml:"use_path_style"`
	TLSInsecureSkipVerify bool        `yaml:"tls_insecure_skip_verify"`
	SSE                   S3SSEConfig `yaml:"sse"`
}

// S3SSEConfig configures server-side encryption for objects written to the
// object store.
type S3SSEConfig struct {
	Mode     string `yaml:"mode"` // "", "sse-s3", or "sse-kms"
	KMSKeyID string `yaml:"kms_key_id"`
}

// defaults applies the numeric defaults spec.md states explicitly, so that
// an empty/zero-value Config still behaves per spec.
func (c *Config) defaults() {
	if c.Pipeline.PreprocessTimeout == 0 {
		c.Pipeline.PreprocessTimeout = 30 * time.Second
	}
	if c.Pipeline.MainStreamTimeout == 0 {
		c.Pipeline.MainStreamTimeout = 180 * time.Second
	}
	if c.Pipeline.PostprocessPhaseTimeout == 0 {
		c.Pipeline.PostprocessPhaseTimeout = 30 * time.Second
	}
	if c.Pipeline.TaskWallClockTimeout == 0 {
		c.Pipeline.TaskWallClockTimeout = 8 * time.Minute
	}
	if c.Pipeline.MaxToolRounds == 0 {
		c.Pipeline.MaxToolRounds = 4
	}
	if c.Pipeline.PreprocessHistoryTokenBudget == 0 {
		c.Pipeline.PreprocessHistoryTokenBudget = 120_000
	}
	if c.Pipeline.SkillCancelGrace == 0 {
		c.Pipeline.SkillCancelGrace = 5 * time.Second
	}
	if c.Pipeline.MinReserveCredits == 0 {
		c.Pipeline.MinReserveCredits = 1.0
	}
	if c.Models.Fast.Model == "" {
		c.Models.Fast = ModelRef{Provider: "openai", Model: "gpt-5-mini"}
	}
	if c.Models.Balanced.Model == "" {
		c.Models.Balanced = ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"}
	}
	if c.Models.Max.Model == "" {
		c.Models.Max = ModelRef{Provider: "anthropic", Model: "claude-opus-4-1"}
	}
	if c.Skills.DefaultSkillTimeout == 0 {
		c.Skills.DefaultSkillTimeout = 60 * time.Second
	}
	if c.Skills.DefaultTaskConcurrency == 0 {
		c.Skills.DefaultTaskConcurrency = 4
	}
	if c.Skills.QueuedDispatchDeadline == 0 {
		c.Skills.QueuedDispatchDeadline = 120 * time.Second
	}
	if len(c.Transit.TokenFilePaths) == 0 {
		c.Transit.TokenFilePaths = []string{"/vault-data/api.token", "/tmp/vault-token"}
	}
	if c.Transit.TokenCacheTTL == 0 {
		c.Transit.TokenCacheTTL = 5 * time.Minute
	}
	if c.Transit.SecretCacheTTL == 0 {
		c.Transit.SecretCacheTTL = 5 * time.Minute
	}
	if c.Transit.EmailHMACKey == "" {
		c.Transit.EmailHMACKey = "email-hmac-key"
	}
	if c.Transit.SharedContentKey == "" {
		c.Transit.SharedContentKey = "shared-content-metadata"
	}
	if c.Transit.CreatorIncomeKey == "" {
		c.Transit.CreatorIncomeKey = "creator_income"
	}
	if c.Transit.NewsletterKey == "" {
		c.Transit.NewsletterKey = "newsletter_emails"
	}
	if c.Transit.SupportPaymentsKey == "" {
		c.Transit.SupportPaymentsKey = "support_payments"
	}
}

// Load reads an optional YAML file at path (skipped if path is empty or the
// file does not exist) and overlays environment variables, matching
// VAULT_URL / VAULT_TOKEN / SERVER_ENVIRONMENT from spec.md §6 plus one env
// var per provider API key.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.overlayEnv()
	cfg.defaults()
	return cfg, nil
}

func (c *Config) overlayEnv() {
	if v := strings.TrimSpace(os.Getenv("SERVER_ENVIRONMENT")); v != "" {
		c.Server.Environment = v
		c.Observability.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_PATH")); v != "" {
		c.Server.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Server.LogLevel = v
	}

	if v := strings.TrimSpace(os.Getenv("VAULT_URL")); v != "" {
		c.Transit.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("VAULT_TOKEN")); v != "" {
		c.Transit.Token = v
	}

	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Observability.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Observability.ServiceName = v
	}

	if v := strings.TrimSpace(os.Getenv("RECORD_STORE_DSN")); v != "" {
		c.RecordStore.DSN = v
	}

	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		c.Queue.Brokers = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_ADDR")); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("SKILLS_MANIFEST_ROOT")); v != "" {
		c.Skills.ManifestRoot = v
	}

	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_MODEL")); v != "" {
		c.Providers.OpenAI.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		c.Providers.Anthropic.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL")); v != "" {
		c.Providers.Anthropic.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")); v != "" {
		c.Providers.Google.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("GROQ_API_KEY")); v != "" {
		c.Providers.Groq.APIKey = v
		if c.Providers.Groq.BaseURL == "" {
			c.Providers.Groq.BaseURL = "https://api.groq.com/openai/v1"
		}
	}
	if v := strings.TrimSpace(os.Getenv("MISTRAL_API_KEY")); v != "" {
		c.Providers.Mistral.APIKey = v
		if c.Providers.Mistral.BaseURL == "" {
			c.Providers.Mistral.BaseURL = "https://api.mistral.ai/v1"
		}
	}

	if v := strings.TrimSpace(os.Getenv("MAX_TOOL_ROUNDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.MaxToolRounds = n
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
