package engine

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions carries the generation parameters forwarded to the provider.
// Zero values mean "provider default".
type ChatOptions struct {
	Temperature *float64
	MaxTokens   int
	Seed        *int
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
