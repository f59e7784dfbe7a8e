package engine

import (
	"fmt"
	"time"

	"github.com/kalambet/esltutor/internal/openai"
)

// Provider names accepted by Detect.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
	ProviderMock       = "mock"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	ChatProvider  string
	EmbedProvider string

	OllamaBaseURL string
	OllamaTimeout time.Duration

	OpenRouterAPIKey  string
	OpenRouterBaseURL string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIDimensions int

	MockDimensions int
}

// Detect builds the engine pair named by the configuration. Engines shared
// by both roles are constructed once.
func Detect(cfg DetectConfig) (Engine, error) {
	built := make(map[string]Engine, 2)
	get := func(name string, role string) (Engine, error) {
		if e, ok := built[name]; ok {
			return e, nil
		}
		var e Engine
		switch name {
		case ProviderOllama, "":
			e = NewOllamaEngine(cfg.OllamaBaseURL, cfg.OllamaTimeout)
		case ProviderOpenRouter:
			if role == "embed" {
				return nil, fmt.Errorf("provider %q cannot serve embeddings", name)
			}
			if cfg.OpenRouterAPIKey == "" {
				return nil, fmt.Errorf("provider %q requires an API key", name)
			}
			e = NewOpenRouterEngine(cfg.OpenRouterAPIKey, cfg.OpenRouterBaseURL, 0)
		case ProviderOpenAI:
			if cfg.OpenAIAPIKey == "" {
				return nil, fmt.Errorf("provider %q requires an API key", name)
			}
			var opts []openai.ClientOption
			if cfg.OpenAIDimensions > 0 {
				opts = append(opts, openai.WithDimensions(cfg.OpenAIDimensions))
			}
			if cfg.OpenAIBaseURL != "" {
				opts = append(opts, openai.WithBaseURL(cfg.OpenAIBaseURL))
			}
			e = NewOpenAIEngine(cfg.OpenAIAPIKey, opts...)
		case ProviderMock:
			if role == "chat" {
				return nil, fmt.Errorf("provider %q cannot serve chat", name)
			}
			e = NewHashEngine(cfg.MockDimensions)
		default:
			return nil, fmt.Errorf("unknown %s provider %q", role, name)
		}
		built[name] = e
		return e, nil
	}

	chat, err := get(cfg.ChatProvider, "chat")
	if err != nil {
		return nil, err
	}
	embed, err := get(cfg.EmbedProvider, "embed")
	if err != nil {
		return nil, err
	}
	return Split(chat, embed), nil
}
