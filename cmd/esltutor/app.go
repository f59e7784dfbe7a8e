package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kalambet/esltutor/internal/composer"
	"github.com/kalambet/esltutor/internal/config"
	"github.com/kalambet/esltutor/internal/engine"
	"github.com/kalambet/esltutor/internal/homework"
	"github.com/kalambet/esltutor/internal/indexsync"
	"github.com/kalambet/esltutor/internal/pairing"
	"github.com/kalambet/esltutor/internal/retrieval"
	"github.com/kalambet/esltutor/internal/storage"
)

// app holds the components shared by the commands.
type app struct {
	cfg         config.Config
	store       *storage.Store
	cache       *retrieval.Cache
	engine      engine.Engine
	index       *retrieval.SQLiteIndex
	embedder    *retrieval.Embedder
	collections retrieval.Collections
	retriever   *retrieval.Retriever
}

func collectionsFrom(cfg config.Config) retrieval.Collections {
	return retrieval.Collections{
		Homework: cfg.Collections.Homework,
		Activity: cfg.Collections.Activity,
		Students: cfg.Collections.Students,
	}
}

func detectConfig(cfg config.Config) engine.DetectConfig {
	return engine.DetectConfig{
		ChatProvider:      cfg.Engine.ChatProvider,
		EmbedProvider:     cfg.Engine.EmbedProvider,
		OllamaBaseURL:     cfg.Ollama.BaseURL,
		OllamaTimeout:     cfg.OllamaTimeout(),
		OpenRouterAPIKey:  cfg.OpenRouter.APIKey,
		OpenRouterBaseURL: cfg.OpenRouter.BaseURL,
		OpenAIAPIKey:      cfg.OpenAI.APIKey,
		OpenAIBaseURL:     cfg.OpenAI.BaseURL,
		OpenAIDimensions:  cfg.OpenAI.EmbedDimensions,
		MockDimensions:    cfg.Embed.MockDimensions,
	}
}

// openApp opens storage and the embedding cache and builds the engine.
func openApp(cfg config.Config) (*app, error) {
	eng, err := engine.Detect(detectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a := &app{cfg: cfg, store: store, engine: eng, collections: collectionsFrom(cfg)}

	opts := []retrieval.EmbedderOption{
		retrieval.WithRateLimit(cfg.Embed.RatePerSecond),
		retrieval.WithConcurrency(cfg.Sync.Workers),
	}
	switch cfg.Engine.EmbedProvider {
	case engine.ProviderOpenAI:
		opts = append(opts, retrieval.WithDimensions(cfg.OpenAI.EmbedDimensions))
	case engine.ProviderMock:
		opts = append(opts, retrieval.WithDimensions(cfg.Embed.MockDimensions))
	}
	if cfg.Embed.CacheEnabled {
		cache, err := retrieval.OpenCache(filepath.Join(cfg.Storage.DataDir, "embeddings.db"))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("opening embedding cache: %w", err)
		}
		a.cache = cache
		opts = append(opts, retrieval.WithCache(cache))
	}

	a.index = retrieval.NewSQLiteIndex(store.DB())
	a.embedder = retrieval.NewEmbedder(eng, cfg.EmbedModel(), opts...)
	a.retriever = retrieval.NewRetriever(a.embedder, a.index, a.collections, slog.Default())
	return a, nil
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing embedding cache: %v\n", err)
		}
	}
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// ensureReady checks the providers and pulls missing local models. The chat
// side is only checked when the command generates text.
func (a *app) ensureReady(ctx context.Context, needChat bool) error {
	embedModel := ""
	if a.cfg.Engine.EmbedProvider != engine.ProviderMock {
		embedModel = a.cfg.EmbedModel()
	}
	if !needChat {
		_, embed := engine.Parts(a.engine)
		return engine.EnsureReady(ctx, embed, "", embedModel, os.Stderr)
	}
	return engine.EnsureReady(ctx, a.engine, a.cfg.ChatModel(), embedModel, os.Stderr)
}

func (a *app) syncer(progress func(done, total int)) *indexsync.Syncer {
	return indexsync.New(a.index, a.embedder, a.collections, indexsync.Options{
		Workers:  a.cfg.Sync.Workers,
		Timeout:  a.cfg.SyncTimeout(),
		Progress: progress,
		Logger:   slog.Default(),
	})
}

func (a *app) generator() *homework.Generator {
	return homework.NewGenerator(a.engine, a.cfg.ChatModel(), slog.Default())
}

func (a *app) composer() *composer.Composer {
	return composer.New(a.cfg.Composer.BudgetTokens)
}

func (a *app) retryPolicy() homework.RetryPolicy {
	return homework.RetryPolicy{
		MaxRetries:     a.cfg.Generation.MaxRetries,
		InitialBackoff: a.cfg.InitialBackoff(),
		Logger:         slog.Default(),
	}
}

func pairingConfig(cfg config.Config) (pairing.Config, error) {
	rule, err := pairing.ParseLevelRule(cfg.Pairing.LevelRule)
	if err != nil {
		return pairing.Config{}, err
	}
	return pairing.Config{
		GroupSize:     cfg.Pairing.GroupSize,
		LevelRule:     rule,
		LevelWeight:   cfg.Pairing.LevelWeight,
		RepeatPenalty: cfg.Pairing.RepeatPenalty,
	}, nil
}
