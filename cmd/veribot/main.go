// Command veribot runs the multi-tenant conversational automation server:
// webhook ingestion for Evolution, Telegram, and Chatwoot, RAG-backed agent
// replies, and CRM sync on conversation close.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/veridata/veribot"
	"github.com/veridata/veribot/channels/chatwoot"
	"github.com/veridata/veribot/channels/evolution"
	"github.com/veridata/veribot/channels/telegram"
	"github.com/veridata/veribot/crm/espocrm"
	"github.com/veridata/veribot/crm/hubspot"
	"github.com/veridata/veribot/internal/config"
	"github.com/veridata/veribot/internal/server"
	"github.com/veridata/veribot/observer"
	"github.com/veridata/veribot/provider/gemini"
	"github.com/veridata/veribot/provider/openaicompat"
	"github.com/veridata/veribot/store/postgres"
	"github.com/veridata/veribot/tools/knowledge"
	"github.com/veridata/veribot/tools/pricing"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config (default veribot.toml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "veribot:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	_ = godotenv.Load()
	cfg := config.Load(configPath)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracer veribot.Tracer
	if cfg.Observer.Enabled {
		_, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("observer shutdown failed", "error", err)
			}
		}()
		tracer = observer.NewTracer()
	}

	if cfg.Database.URL == "" {
		return fmt.Errorf("database url is required (VERIBOT_DATABASE_URL)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	store := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	registry := buildRegistry(cfg, logger)

	engine := veribot.NewEngine(registry, store, store, store,
		veribot.EngineLogger(logger),
		veribot.EngineTracer(tracer),
		veribot.EngineTopK(cfg.RAG.TopK),
		veribot.EngineHistoryLimit(cfg.RAG.HistoryLimit),
		veribot.EngineQueryCache(store))

	crms := []veribot.CRM{espocrm.New(), hubspot.New()}
	summarizer := veribot.NewSummarizer(registry, store, crms,
		veribot.SummarizerLogger(logger),
		veribot.SummarizerTracer(tracer))

	channels := []veribot.Channel{
		evolution.NewChannel(),
		telegram.NewChannel(),
		chatwoot.NewChannel(),
	}

	toolsFor := func(tenant veribot.Tenant, tcfg veribot.TenantConfig, sessionID string) *veribot.ToolRegistry {
		tools := veribot.NewToolRegistry()
		tools.Add(knowledge.New(engine, tenant.ID, sessionID))
		if items := tcfg.Client().Pricing; len(items) > 0 {
			tools.Add(pricing.New(items))
		}
		return tools
	}

	orch := veribot.NewOrchestrator(store, store, store, store, engine, registry, channels,
		veribot.OrchestratorLogger(logger),
		veribot.OrchestratorTracer(tracer),
		veribot.OrchestratorHistoryLimit(cfg.RAG.HistoryLimit),
		veribot.OrchestratorTools(toolsFor),
		veribot.OrchestratorSummarizer(summarizer),
		veribot.OrchestratorCRMs(crms...))

	srv := server.New(orch, engine, store, store, server.WithLogger(logger))
	router := srv.Router()

	logger.Info("veribot listening", "addr", cfg.Server.Addr)
	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.Server.Addr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// buildRegistry registers the configured LLM backends and the embedding
// provider. Providers are wrapped with transient-error retry.
func buildRegistry(cfg config.Config, logger *slog.Logger) *veribot.Registry {
	defaults := veribot.LLMConfig{
		DefaultModel: cfg.LLM.Model,
		Steps: map[string]veribot.StepRoute{
			veribot.StepContextualize:    {Provider: cfg.LLM.Provider},
			veribot.StepHyDE:             {Provider: cfg.LLM.Provider},
			veribot.StepRerank:           {Provider: cfg.LLM.Provider},
			veribot.StepGeneration:       {Provider: cfg.LLM.Provider},
			veribot.StepSmallTalk:        {Provider: cfg.LLM.Provider},
			veribot.StepTranscription:    {Provider: cfg.LLM.Provider},
			veribot.StepImageDescription: {Provider: cfg.LLM.Provider},
			veribot.StepSummarization:    {Provider: cfg.LLM.Provider},
		},
	}
	registry := veribot.NewRegistry(defaults, veribot.RegistryLogger(logger))

	// Every provider instance gets retry with backoff; rate limiting is added
	// on top when an RPM cap is configured.
	wrap := func(p veribot.Provider) veribot.Provider {
		p = veribot.WithRetry(p, veribot.RetryLogger(logger))
		if cfg.LLM.RPM > 0 {
			p = veribot.WithRateLimit(p, veribot.RPM(cfg.LLM.RPM))
		}
		return p
	}

	registry.Register("gemini", func(model string) (veribot.Provider, error) {
		return wrap(gemini.New(cfg.LLM.APIKey, model)), nil
	})
	openaiBase := cfg.LLM.BaseURL
	if openaiBase == "" {
		openaiBase = "https://api.openai.com/v1"
	}
	openaiKey := cfg.LLM.OpenAIAPIKey
	if openaiKey == "" {
		openaiKey = cfg.LLM.APIKey
	}
	registry.Register("openai", func(model string) (veribot.Provider, error) {
		return wrap(openaicompat.NewProvider(openaiKey, model, openaiBase)), nil
	})

	var embedder veribot.EmbeddingProvider
	switch cfg.Embedding.Provider {
	case "openai":
		base := cfg.Embedding.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		embedder = openaicompat.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, base, cfg.Embedding.Dimensions)
	default:
		embedder = gemini.NewEmbedding(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	}
	registry.SetEmbedder(veribot.WithEmbeddingRetry(embedder, veribot.RetryLogger(logger)))

	return registry
}
