package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "ESLTUTOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "engine.chat_provider", typ: kString, env: "ESLTUTOR_ENGINE_CHAT_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatProvider },
	},
	{
		key: "engine.embed_provider", typ: kString, env: "ESLTUTOR_ENGINE_EMBED_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedProvider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedProvider },
	},
	{
		key: "ollama.base_url", typ: kString, env: "ESLTUTOR_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "ESLTUTOR_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "ESLTUTOR_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.timeout", typ: kString, env: "ESLTUTOR_OLLAMA_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Timeout },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "ESLTUTOR_OPENROUTER_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "ESLTUTOR_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "openrouter.model", typ: kString, env: "ESLTUTOR_OPENROUTER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.Model },
	},
	{
		key: "openai.api_key", typ: kString, env: "ESLTUTOR_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "ESLTUTOR_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.chat_model", typ: kString, env: "ESLTUTOR_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embed_model", typ: kString, env: "ESLTUTOR_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "openai.embed_dimensions", typ: kInt, env: "ESLTUTOR_OPENAI_EMBED_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedDimensions },
	},
	{
		key: "embed.rate_per_second", typ: kFloat, env: "ESLTUTOR_EMBED_RATE_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Embed.RatePerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Embed.RatePerSecond },
	},
	{
		key: "embed.cache_enabled", typ: kBool, env: "ESLTUTOR_EMBED_CACHE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Embed.CacheEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Embed.CacheEnabled },
	},
	{
		key: "embed.mock_dimensions", typ: kInt, env: "ESLTUTOR_EMBED_MOCK_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embed.MockDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.MockDimensions },
	},
	{
		key: "collections.homework", typ: kString, env: "ESLTUTOR_COLLECTIONS_HOMEWORK",
		apply:   func(cfg *Config, v any) { cfg.Collections.Homework = v.(string) },
		extract: func(cfg Config) any { return cfg.Collections.Homework },
	},
	{
		key: "collections.activity", typ: kString, env: "ESLTUTOR_COLLECTIONS_ACTIVITY",
		apply:   func(cfg *Config, v any) { cfg.Collections.Activity = v.(string) },
		extract: func(cfg Config) any { return cfg.Collections.Activity },
	},
	{
		key: "collections.students", typ: kString, env: "ESLTUTOR_COLLECTIONS_STUDENTS",
		apply:   func(cfg *Config, v any) { cfg.Collections.Students = v.(string) },
		extract: func(cfg Config) any { return cfg.Collections.Students },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ESLTUTOR_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "composer.budget_tokens", typ: kInt, env: "ESLTUTOR_COMPOSER_BUDGET_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Composer.BudgetTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Composer.BudgetTokens },
	},
	{
		key: "generation.max_items", typ: kInt, env: "ESLTUTOR_GENERATION_MAX_ITEMS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxItems = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxItems },
	},
	{
		key: "generation.max_retries", typ: kInt, env: "ESLTUTOR_GENERATION_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxRetries },
	},
	{
		key: "generation.initial_backoff", typ: kString, env: "ESLTUTOR_GENERATION_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Generation.InitialBackoff = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.InitialBackoff },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "ESLTUTOR_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.style", typ: kString, env: "ESLTUTOR_GENERATION_STYLE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Style = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Style },
	},
	{
		key: "sync.workers", typ: kInt, env: "ESLTUTOR_SYNC_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Sync.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.Workers },
	},
	{
		key: "sync.timeout", typ: kString, env: "ESLTUTOR_SYNC_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.Timeout },
	},
	{
		key: "pairing.group_size", typ: kInt, env: "ESLTUTOR_PAIRING_GROUP_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pairing.GroupSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pairing.GroupSize },
	},
	{
		key: "pairing.level_rule", typ: kString, env: "ESLTUTOR_PAIRING_LEVEL_RULE",
		apply:   func(cfg *Config, v any) { cfg.Pairing.LevelRule = v.(string) },
		extract: func(cfg Config) any { return cfg.Pairing.LevelRule },
	},
	{
		key: "pairing.level_weight", typ: kFloat, env: "ESLTUTOR_PAIRING_LEVEL_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Pairing.LevelWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pairing.LevelWeight },
	},
	{
		key: "pairing.repeat_penalty", typ: kFloat, env: "ESLTUTOR_PAIRING_REPEAT_PENALTY",
		apply:   func(cfg *Config, v any) { cfg.Pairing.RepeatPenalty = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pairing.RepeatPenalty },
	},
	{
		key: "log.level", typ: kString, env: "ESLTUTOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
