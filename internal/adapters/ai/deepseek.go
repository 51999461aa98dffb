package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"helios/pkg/errors"
)

const (
	deepseekAPIURL       = "https://api.deepseek.com/v1/chat/completions"
	defaultDeepSeekModel = "deepseek-chat"
)

// DeepSeekProvider implements Provider against the DeepSeek API
// (OpenAI-compatible chat completions wire format).
type DeepSeekProvider struct {
	apiKey     string
	timeout    time.Duration
	limiter    *Limiter
	httpClient *http.Client
}

var _ Provider = (*DeepSeekProvider)(nil)

// NewDeepSeekProvider creates a new DeepSeek provider
func NewDeepSeekProvider(apiKey string, timeout time.Duration, limiter *Limiter) (*DeepSeekProvider, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "deepseek API key is required")
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &DeepSeekProvider{
		apiKey:     apiKey,
		timeout:    timeout,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns provider name
func (p *DeepSeekProvider) Name() string { return "deepseek" }

// Capabilities returns the capability descriptor
func (p *DeepSeekProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxTokens:         64000,
		SupportsStreaming: true,
		SupportsTools:     true,
	}
}

type deepseekRequest struct {
	Model       string            `json:"model"`
	Messages    []deepseekMessage `json:"messages"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
}

type deepseekMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type deepseekResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a chat completion request to the DeepSeek API
func (p *DeepSeekProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = defaultDeepSeekModel
	}

	messages := make([]deepseekMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, deepseekMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, deepseekMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(deepseekRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal deepseek request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, deepseekAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create HTTP request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "send deepseek request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read deepseek response")
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp deepseekResponse
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error != nil {
			return nil, errors.Wrapf(errors.ErrProviderUnavailable,
				"deepseek API error (%d): %s", resp.StatusCode, apiResp.Error.Message)
		}
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "deepseek API status %d", resp.StatusCode)
	}

	var apiResp deepseekResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedResponse, "decode deepseek response: %v", err)
	}

	if len(apiResp.Choices) == 0 || apiResp.Choices[0].Message.Content == "" {
		return nil, errors.Wrap(errors.ErrMalformedResponse, "deepseek returned no choices")
	}

	return &Response{
		Provider: p.Name(),
		Model:    model,
		Text:     apiResp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}
