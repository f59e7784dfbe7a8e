package config

import (
	"fmt"
	"time"
)

type Config struct {
	Storage     StorageConfig
	Engine      EngineConfig
	Ollama      OllamaConfig
	OpenRouter  OpenRouterConfig
	OpenAI      OpenAIConfig
	Embed       EmbedConfig
	Collections CollectionsConfig
	Retrieval   RetrievalConfig
	Composer    ComposerConfig
	Generation  GenerationConfig
	Sync        SyncConfig
	Pairing     PairingConfig
	Log         LogConfig
}

type StorageConfig struct {
	DataDir string
}

// EngineConfig names the provider for each capability.
type EngineConfig struct {
	ChatProvider  string
	EmbedProvider string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Timeout    string
}

type OpenRouterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	ChatModel       string
	EmbedModel      string
	EmbedDimensions int
}

type EmbedConfig struct {
	RatePerSecond  float64
	CacheEnabled   bool
	MockDimensions int
}

type CollectionsConfig struct {
	Homework string
	Activity string
	Students string
}

type RetrievalConfig struct {
	TopK int
}

type ComposerConfig struct {
	BudgetTokens int
}

type GenerationConfig struct {
	MaxItems       int
	MaxRetries     int
	InitialBackoff string
	Temperature    float64
	Style          string
}

type SyncConfig struct {
	Workers int
	Timeout string
}

type PairingConfig struct {
	GroupSize     int
	LevelRule     string
	LevelWeight   float64
	RepeatPenalty float64
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Engine: EngineConfig{
			ChatProvider:  "ollama",
			EmbedProvider: "ollama",
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1:8b",
			EmbedModel: "nomic-embed-text",
			Timeout:    "2m",
		},
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "meta-llama/llama-3.1-70b-instruct",
		},
		OpenAI: OpenAIConfig{
			ChatModel:       "gpt-4o-mini",
			EmbedModel:      "text-embedding-3-small",
			EmbedDimensions: 1536,
		},
		Embed: EmbedConfig{
			CacheEnabled:   true,
			MockDimensions: 256,
		},
		Collections: CollectionsConfig{
			Homework: "homework_templates",
			Activity: "activity_templates",
			Students: "student_profiles",
		},
		Retrieval: RetrievalConfig{TopK: 3},
		Composer:  ComposerConfig{BudgetTokens: 4000},
		Generation: GenerationConfig{
			MaxItems:       5,
			MaxRetries:     3,
			InitialBackoff: "500ms",
			Temperature:    0.7,
		},
		Sync: SyncConfig{
			Workers: 4,
			Timeout: "5m",
		},
		Pairing: PairingConfig{
			GroupSize:     2,
			LevelRule:     "peer_teaching",
			LevelWeight:   0.1,
			RepeatPenalty: 0.2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/esltutor/config.json, then applies ESLTUTOR_* environment
// overrides. API keys are read from the environment only.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c Config) Validate() error {
	for key, v := range map[string]string{
		"ollama.timeout":             c.Ollama.Timeout,
		"generation.initial_backoff": c.Generation.InitialBackoff,
		"sync.timeout":               c.Sync.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	switch c.Pairing.LevelRule {
	case "peer_teaching", "same_level", "none":
	default:
		return fmt.Errorf("invalid pairing.level_rule %q (want peer_teaching, same_level or none)", c.Pairing.LevelRule)
	}
	if c.Pairing.GroupSize < 2 {
		return fmt.Errorf("invalid pairing.group_size %d: must be at least 2", c.Pairing.GroupSize)
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("invalid retrieval.top_k %d: must be positive", c.Retrieval.TopK)
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("invalid generation.max_retries %d: must not be negative", c.Generation.MaxRetries)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// OllamaTimeout returns the parsed ollama.timeout.
func (c Config) OllamaTimeout() time.Duration {
	d, _ := parseDuration(c.Ollama.Timeout)
	return d
}

// InitialBackoff returns the parsed generation.initial_backoff.
func (c Config) InitialBackoff() time.Duration {
	d, _ := parseDuration(c.Generation.InitialBackoff)
	return d
}

// SyncTimeout returns the parsed sync.timeout; zero means no limit.
func (c Config) SyncTimeout() time.Duration {
	d, _ := parseDuration(c.Sync.Timeout)
	return d
}

// ChatModel returns the model name for the configured chat provider.
func (c Config) ChatModel() string {
	switch c.Engine.ChatProvider {
	case "openrouter":
		return c.OpenRouter.Model
	case "openai":
		return c.OpenAI.ChatModel
	}
	return c.Ollama.ChatModel
}

// EmbedModel returns the model name for the configured embedding provider.
func (c Config) EmbedModel() string {
	switch c.Engine.EmbedProvider {
	case "openai":
		return c.OpenAI.EmbedModel
	case "mock":
		return "mock"
	}
	return c.Ollama.EmbedModel
}
