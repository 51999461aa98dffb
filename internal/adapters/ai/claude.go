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
	claudeAPIURL       = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion   = "2023-06-01"
	defaultClaudeModel = "claude-3-5-haiku-latest"
)

// ClaudeProvider implements Provider against the Anthropic Messages API
type ClaudeProvider struct {
	apiKey     string
	timeout    time.Duration
	limiter    *Limiter
	httpClient *http.Client
}

var _ Provider = (*ClaudeProvider)(nil)

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(apiKey string, timeout time.Duration, limiter *Limiter) (*ClaudeProvider, error) {
	if apiKey == "" {
		return nil, errors.Wrap(errors.ErrInvalidInput, "claude API key is required")
	}
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &ClaudeProvider{
		apiKey:     apiKey,
		timeout:    timeout,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name returns provider name
func (p *ClaudeProvider) Name() string { return "claude" }

// Capabilities returns the capability descriptor
func (p *ClaudeProvider) Capabilities() Capabilities {
	return Capabilities{
		MaxTokens:         200000,
		SupportsStreaming: true,
		SupportsTools:     true,
	}
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a messages request to the Anthropic API
func (p *ClaudeProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = defaultClaudeModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body, err := json.Marshal(claudeRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Messages:    []claudeMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal claude request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "create HTTP request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "send claude request: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read claude response")
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp claudeResponse
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error != nil {
			return nil, errors.Wrapf(errors.ErrProviderUnavailable,
				"claude API error (%d): %s", resp.StatusCode, apiResp.Error.Message)
		}
		return nil, errors.Wrapf(errors.ErrProviderUnavailable, "claude API status %d", resp.StatusCode)
	}

	var apiResp claudeResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedResponse, "decode claude response: %v", err)
	}

	var text string
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, errors.Wrap(errors.ErrMalformedResponse, "claude returned no text content")
	}

	return &Response{
		Provider: p.Name(),
		Model:    model,
		Text:     text,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}
