package ai

import (
	"context"
	"strings"

	"helios/internal/adapters/config"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

// BuildProviders initializes all configured providers and returns them in
// priority order (highest first), matching cfg.PriorityList(). Providers
// without credentials are skipped; an empty result is an error.
func BuildProviders(ctx context.Context, cfg config.AIConfig, log *logger.Logger) ([]Provider, error) {
	available := make(map[string]Provider)

	if cfg.OpenAIKey != "" {
		p, err := NewOpenAIProvider(cfg.OpenAIKey, cfg.RequestTimeout, NewLimiter("openai", cfg.OpenAIReqPerMin))
		if err != nil {
			return nil, errors.Wrap(err, "build openai provider")
		}
		available[p.Name()] = p
	}

	if cfg.ClaudeKey != "" {
		p, err := NewClaudeProvider(cfg.ClaudeKey, cfg.RequestTimeout, NewLimiter("claude", cfg.ClaudeReqPerMin))
		if err != nil {
			return nil, errors.Wrap(err, "build claude provider")
		}
		available[p.Name()] = p
	}

	if cfg.DeepSeekKey != "" {
		p, err := NewDeepSeekProvider(cfg.DeepSeekKey, cfg.RequestTimeout, NewLimiter("deepseek", cfg.DeepSeekReqPerMin))
		if err != nil {
			return nil, errors.Wrap(err, "build deepseek provider")
		}
		available[p.Name()] = p
	}

	if cfg.GeminiKey != "" {
		p, err := NewGeminiProvider(ctx, cfg.GeminiKey, cfg.RequestTimeout, NewLimiter("gemini", cfg.GeminiReqPerMin))
		if err != nil {
			return nil, errors.Wrap(err, "build gemini provider")
		}
		available[p.Name()] = p
	}

	ordered := make([]Provider, 0, len(available))
	for _, name := range cfg.PriorityList() {
		if p, ok := available[NormalizeProviderName(name)]; ok {
			ordered = append(ordered, p)
			delete(available, NormalizeProviderName(name))
		}
	}

	// Configured providers missing from the priority list go last
	for name, p := range available {
		log.Warnw("Provider configured but not in priority list, appending", "provider", name)
		ordered = append(ordered, p)
	}

	if len(ordered) == 0 {
		return nil, errors.Wrap(errors.ErrUnavailable, "no AI providers configured")
	}

	names := make([]string, len(ordered))
	for i, p := range ordered {
		names[i] = p.Name()
	}
	log.Infow("AI providers initialized", "priority_order", strings.Join(names, " > "))

	return ordered, nil
}

// NormalizeProviderName makes provider lookup more forgiving.
func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
