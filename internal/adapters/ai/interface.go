package ai

import "context"

// Provider defines the contract each AI provider implementation must satisfy.
// The orchestration core treats all providers as homogeneous behind this
// interface; authentication and wire formats are the adapter's concern.
type Provider interface {
	Name() string

	// Complete sends an inference request and returns the full response.
	// Implementations must respect ctx deadlines and never return a partial
	// result: either the whole completion or an error.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Capabilities returns the static capability descriptor for this provider.
	Capabilities() Capabilities
}

// Request represents an inference request.
type Request struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Response represents a completed inference.
type Response struct {
	Provider string
	Model    string
	Text     string
	Usage    Usage
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// TotalTokens returns the combined token count.
func (u Usage) TotalTokens() int {
	return u.InputTokens + u.OutputTokens
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	MaxTokens         int
	SupportsStreaming bool
	SupportsTools     bool
}
