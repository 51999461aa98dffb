package ai

import (
	"context"
	"time"

	"google.golang.org/genai"

	"helios/pkg/errors"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider implements Provider using the Google GenAI SDK
type GeminiProvider struct {
	client  *genai.Client
	timeout time.Duration
	limiter *Limiter
}

var _ Provider = (*GeminiProvider)(nil)

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(ctx context.Context, apiKey string, timeout time.Duration, limiter *Limiter) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "gemini API key is required")
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create genai client")
	}

	return &GeminiProvider{
		client:  client,
		timeout: timeout,
		limiter: limiter,
	}, nil
}

// Name returns provider name
func (p *GeminiProvider) Name() string { return "gemini" }

// Capabilities returns the capability descriptor
func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxTokens:         1000000,
		SupportsStreaming: true,
		SupportsTools:     true,
	}
}

// Complete sends a generate-content request to the Gemini API
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cfg := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "gemini generate: %v", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, errors.Wrap(errors.ErrMalformedResponse, "gemini returned no text")
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		Provider: p.Name(),
		Model:    model,
		Text:     text,
		Usage:    usage,
	}, nil
}
