// Package openai provides a thin wrapper around the official OpenAI Go SDK for
// embeddings and chat completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/kalambet/esltutor/internal/apperr"
)

var (
	// ErrEmptyInput is returned when CreateEmbedding is called with empty input.
	ErrEmptyInput = errors.New("openai: input text is empty")
	// ErrInvalidDims is returned when dimensions is not positive.
	ErrInvalidDims = errors.New("openai: embedding dimensions must be positive")
	// ErrNoEmbeddingInResponse is returned when the API response contains no embedding data.
	ErrNoEmbeddingInResponse = errors.New("openai: no embedding in response")
	// ErrDimensionMismatch is returned when the response embedding length does not match configured dimensions.
	ErrDimensionMismatch = errors.New("openai: embedding dimension mismatch")
)

const (
	defaultDimension  = 1536
	DefaultEmbedModel = string(openaisdk.EmbeddingModelTextEmbedding3Small)
	DefaultChatModel  = string(openaisdk.ChatModelGPT4oMini)
)

// Client calls the OpenAI API via the official SDK. SDK-level retries are
// disabled so that each call maps to a single request.
type Client struct {
	sdk        openaisdk.Client
	dimensions int
}

// ClientOption configures the Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	dimensions int
	baseURL    string
	httpClient *http.Client
}

// WithDimensions sets the requested embedding dimension.
func WithDimensions(dim int) ClientOption {
	return func(c *clientConfig) {
		c.dimensions = dim
	}
}

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.httpClient = hc
	}
}

// NewClient creates an OpenAI client using the official SDK.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	cfg := clientConfig{dimensions: defaultDimension}
	for _, opt := range opts {
		opt(&cfg)
	}

	sdkOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		sdkOpts = append(sdkOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		sdkOpts = append(sdkOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Client{
		sdk:        openaisdk.NewClient(sdkOpts...),
		dimensions: cfg.dimensions,
	}
}

// Dimensions returns the configured embedding size.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// CreateEmbedding returns the embedding vector for the given text.
// The returned slice length equals the configured dimensions.
func (c *Client) CreateEmbedding(ctx context.Context, model, input string) ([]float32, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}

	if c.dimensions <= 0 {
		return nil, ErrInvalidDims
	}
	if model == "" {
		model = DefaultEmbedModel
	}

	resp, err := c.sdk.Embeddings.New(ctx, openaisdk.EmbeddingNewParams{
		Input: openaisdk.EmbeddingNewParamsInputUnion{
			OfString: param.NewOpt(input),
		},
		Model:      openaisdk.EmbeddingModel(model),
		Dimensions: param.NewOpt(int64(c.dimensions)),
	})
	if err != nil {
		return nil, classify("openai embedding", err)
	}

	if len(resp.Data) == 0 {
		return nil, ErrNoEmbeddingInResponse
	}

	emb := resp.Data[0].Embedding
	if len(emb) != c.dimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(emb), c.dimensions)
	}

	out := make([]float32, len(emb))
	for i := range emb {
		out[i] = float32(emb[i])
	}

	return out, nil
}

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// ChatOptions are optional sampling parameters.
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
	Seed        *int
}

// Complete sends a chat completion and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	if model == "" {
		model = DefaultChatModel
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(model),
		Messages: make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openaisdk.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openaisdk.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openaisdk.UserMessage(m.Content))
		}
	}
	if opts.Temperature != nil {
		params.Temperature = param.NewOpt(*opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.Seed != nil {
		params.Seed = param.NewOpt(int64(*opts.Seed))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify("openai chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: completion %s has no choices", resp.ID)
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return apperr.New(apperr.KindRateLimited, "", wrapped)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return apperr.New(apperr.KindTransportTimeout, "", wrapped)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.New(apperr.KindTransportTimeout, "", wrapped)
	}
	return wrapped
}
