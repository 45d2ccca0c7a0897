// Command orchestratord is the orchestration core's process entry point: it
// wires the nine pipeline components (Secrets & Transit Client, Provider
// Clients, Stream Aggregator (inside Main Stage), Preprocess, Skill Registry
// & Dispatcher, Main Stage, Postprocess, Orchestrator, Usage & Creator
// Ledger) and drives task intake off a Kafka
// topic, the way cmd/orchestrator's init-everything-then-serve shape does,
// trimmed to this module's own component set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openmates/orchestrator-core/internal/config"
	"github.com/openmates/orchestrator-core/internal/ledger"
	"github.com/openmates/orchestrator-core/internal/llm/providers"
	"github.com/openmates/orchestrator-core/internal/objectstore"
	"github.com/openmates/orchestrator-core/internal/observability"
	"github.com/openmates/orchestrator-core/internal/orchestrator"
	"github.com/openmates/orchestrator-core/internal/pipelineerr"
	"github.com/openmates/orchestrator-core/internal/postprocess"
	"github.com/openmates/orchestrator-core/internal/preprocess"
	"github.com/openmates/orchestrator-core/internal/queue"
	"github.com/openmates/orchestrator-core/internal/repo"
	"github.com/openmates/orchestrator-core/internal/skills"
	"github.com/openmates/orchestrator-core/internal/transit"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("orchestratord exited")
	}
}

func run() error {
	configPath := os.Getenv("ORCHESTRATORD_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Server.Environment == "development" {
		observability.InitDevLogger(cfg.Server.LogLevel)
	} else {
		observability.InitLogger(cfg.Server.LogPath, cfg.Server.LogLevel)
	}

	baseCtx := context.Background()
	shutdownOTel, err := observability.InitOTel(baseCtx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 7 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   7 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	httpClient := observability.NewHTTPClient(&http.Client{Transport: tr})

	// Component H's record store: user profiles, chat history, messages,
	// credit reservations, usage entries, creator income, embeds (component A's
	// vault is a separate service, this is the SQL side of components H/I).
	store, err := repo.Open(baseCtx, cfg.RecordStore.DSN)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer store.Close()
	if err := store.Init(baseCtx); err != nil {
		return fmt.Errorf("init record store schema: %w", err)
	}

	// Component A: Secrets & Transit Service Client.
	transitClient := transit.New(cfg.Transit, httpClient)

	// Component D: Preprocess Stage. toolDescription is the forced tool
	// schema's free-text description; a real deployment renders this from the
	// skill registry's manifests (AVAILABLE_APPS/AVAILABLE_MEMORIES
	// placeholders), so it must be built after the registry loads below.
	registry, loadErrs := skills.LoadRegistry(cfg.Skills.ManifestRoot)
	for _, e := range loadErrs {
		log.Warn().Err(e).Msg("skill manifest failed to load")
	}

	preStage, err := preprocess.New(*cfg, httpClient, buildToolDescription(registry))
	if err != nil {
		return fmt.Errorf("init preprocess stage: %w", err)
	}

	// Component E: Skill Registry & Dispatcher. Queued skills publish jobs to
	// QueueConfig.SkillJobsTopic and await their result via Redis-backed
	// correlation ids; inline skills run in-process.
	queueWriter := queue.NewWriter(cfg.Queue.Brokers)
	defer queueWriter.Close()

	correlations, err := queue.NewRedisCorrelationStore(cfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis correlation store: %w", err)
	}
	defer correlations.Close()

	dispatcher := skills.NewDispatcher(registry, queueWriter, correlations,
		skills.WithQueuedDeadline(cfg.Skills.QueuedDispatchDeadline))

	// Component G: Postprocess Stage.
	postStage, err := postprocess.New(*cfg, httpClient)
	if err != nil {
		return fmt.Errorf("init postprocess stage: %w", err)
	}

	// Component I: Usage & Creator Ledger, encrypting semantic fields through
	// the same transit client component A uses.
	usageLedger := ledger.New(cfg.Transit, transitClient, transitClient, store, nil)

	// Object store skills write embed binary content through. Falls back to
	// an in-memory store when no bucket is configured, so a local/dev run
	// doesn't require live S3 credentials.
	objectStore, err := buildObjectStore(baseCtx, cfg.ObjectStore, httpClient)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	// Component B: one provider adapter per model tier Preprocess can select.
	mainStageProviders, err := buildMainStageProviders(cfg.Models, cfg.Providers, httpClient)
	if err != nil {
		return fmt.Errorf("build main stage providers: %w", err)
	}

	availableApps := distinctAppIDs(registry)
	availableCategories, categorySchemas := defaultMemoryCategories()

	core := orchestrator.New(orchestrator.Deps{
		Context:            store,
		Messages:           store,
		Credits:            store,
		Usage:              usageLedger,
		Idempotency:        correlations,
		Dispatcher:         dispatcher,
		Registry:           registry,
		Secrets:            secretsAdapter{client: transitClient, path: "skills"},
		Records:            store,
		Objects:            objectStore,
		Preprocess:         preStage,
		MainStageProviders: mainStageProviders,
		MaxToolRounds:      cfg.Pipeline.MaxToolRounds,
		Postprocess:        postStage,
		Edge:               noopEdge{}, // TODO: wire the edge-facing transport once component's wire protocol is chosen.
		PreprocessTemplateCtx: map[string]string{
			"AVAILABLE_APPS": fmt.Sprint(availableApps),
		},
		AvailableApps:       availableApps,
		AvailableCategories: availableCategories,
		CategorySchemas:     categorySchemas,
	}, cfg.Pipeline)

	ctx, cancel := signal.NotifyContext(baseCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	consumer := &queue.Consumer{
		Brokers:     cfg.Queue.Brokers,
		GroupID:     "orchestratord",
		Topic:       cfg.Queue.TaskIntakeTopic,
		Producer:    queueWriter,
		WorkerCount: cfg.Skills.DefaultTaskConcurrency,
	}

	log.Info().Str("topic", cfg.Queue.TaskIntakeTopic).Msg("orchestratord starting task intake")
	if err := consumer.Run(ctx, func(ctx context.Context, job queue.JobEnvelope) error {
		var task orchestrator.Task
		if err := json.Unmarshal(job.Payload, &task); err != nil {
			return &queue.PermanentErr{Cause: fmt.Errorf("decode task envelope: %w", err)}
		}
		if err := core.Run(ctx, task); err != nil {
			if errors.Is(err, orchestrator.ErrAlreadyProcessed) {
				return nil
			}
			if pe, ok := pipelineerr.As(err); ok && !pipelineerr.Retryable(err) {
				return &queue.PermanentErr{Cause: pe}
			}
			return err
		}
		return nil
	}); err != nil {
		return fmt.Errorf("task intake consumer terminated: %w", err)
	}

	log.Info().Msg("orchestratord stopped")
	return nil
}

// buildObjectStore builds the S3-backed object store when a bucket is
// configured, falling back to an in-memory store otherwise.
func buildObjectStore(ctx context.Context, cfg config.S3Config, httpClient *http.Client) (objectstore.ObjectStore, error) {
	if cfg.Bucket == "" {
		log.Warn().Msg("orchestratord: no object store bucket configured, using in-memory store")
		return objectstore.NewMemoryStore(), nil
	}
	return objectstore.NewS3Store(ctx, cfg, objectstore.WithHTTPClient(httpClient))
}

// buildMainStageProviders resolves the provider adapter for every model tier
// Preprocess can select, failing fast if any tier names an unsupported
// vendor rather than discovering the gap mid-task.
func buildMainStageProviders(models config.ModelsConfig, providersCfg config.ProvidersConfig, httpClient *http.Client) (map[preprocess.ModelTier]orchestrator.MainStageProvider, error) {
	tiers := map[preprocess.ModelTier]config.ModelRef{
		preprocess.TierFast:     models.Fast,
		preprocess.TierBalanced: models.Balanced,
		preprocess.TierMax:      models.Max,
	}
	out := make(map[preprocess.ModelTier]orchestrator.MainStageProvider, len(tiers))
	for tier, ref := range tiers {
		p, err := providers.Build(providers.Name(ref.Provider), providersCfg, httpClient)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", tier, err)
		}
		out[tier] = orchestrator.MainStageProvider{Provider: p, Model: ref.Model}
	}
	return out, nil
}

// buildToolDescription renders the forced-tool-call description Preprocess
// sends to the fast model, listing every loaded skill's key so the model can
// select from them by name.
func buildToolDescription(registry *skills.Registry) string {
	manifests := registry.All()
	desc := "Select zero or more skills to invoke for this turn. Available skills:\n"
	for _, m := range manifests {
		desc += fmt.Sprintf("- %s: %s\n", m.Key(), m.Description)
	}
	return desc
}

func distinctAppIDs(registry *skills.Registry) []string {
	seen := make(map[string]struct{})
	var apps []string
	for _, m := range registry.All() {
		if _, ok := seen[m.AppID]; ok {
			continue
		}
		seen[m.AppID] = struct{}{}
		apps = append(apps, m.AppID)
	}
	return apps
}

// defaultMemoryCategories is the fixed settings/memory category set
// Postprocess Phase 1 offers; a real deployment would source this from the
// settings service, but the core ships a sensible minimal default.
func defaultMemoryCategories() ([]postprocess.MemoryCategory, map[string]postprocess.CategorySchema) {
	categories := []postprocess.MemoryCategory{
		{ID: "settings.language", Description: "the user's preferred language"},
		{ID: "settings.timezone", Description: "the user's timezone"},
	}
	schemas := map[string]postprocess.CategorySchema{
		"settings.language": {AppID: "settings", ItemType: "language", Schema: map[string]any{"type": "object", "properties": map[string]any{"language": map[string]any{"type": "string"}}}},
		"settings.timezone": {AppID: "settings", ItemType: "timezone", Schema: map[string]any{"type": "object", "properties": map[string]any{"timezone": map[string]any{"type": "string"}}}},
	}
	return categories, schemas
}

// secretsAdapter narrows transit.Client's path/key-addressed GetSecret down
// to skills.SecretsClient's single-argument Get, fixing the vault path
// skills read from.
type secretsAdapter struct {
	client *transit.Client
	path   string
}

func (s secretsAdapter) Get(ctx context.Context, name string) (string, error) {
	return s.client.GetSecret(ctx, s.path, name)
}

// noopEdge is a placeholder Edge implementation that only logs; a real
// deployment replaces this with whatever transport delivers streamed text
// blocks and terminal task events to the client.
type noopEdge struct{}

func (noopEdge) EmitTextBlock(taskID, messageID, block string) {
	log.Debug().Str("task_id", taskID).Str("message_id", messageID).Msg("text block")
}

func (noopEdge) EmitSuggestions(taskID string, result postprocess.Phase1Result) {
	log.Debug().Str("task_id", taskID).Msg("suggestions")
}

func (noopEdge) EmitTaskComplete(taskID string) {
	log.Info().Str("task_id", taskID).Msg("task complete")
}

func (noopEdge) EmitTaskCancelled(taskID string) {
	log.Info().Str("task_id", taskID).Msg("task cancelled")
}

func (noopEdge) EmitTaskFailed(taskID string, kind pipelineerr.Kind, message string) {
	log.Error().Str("task_id", taskID).Str("kind", string(kind)).Str("error", message).Msg("task failed")
}
