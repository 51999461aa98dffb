package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"helios/internal/adapters/ai"
	"helios/internal/cache"
	"helios/internal/resilience"
	"helios/internal/scheduler"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

const sentimentSystemPrompt = `You classify market-moving news.
Reply format:
Line 1: BULLISH, BEARISH, or NEUTRAL (in caps)
Remaining lines: one sentence explaining the call.`

// SentimentConfig configures the sentiment agent
type SentimentConfig struct {
	EventKey string // e.g. "news.flash"
	Model    string
	CacheTTL time.Duration
}

// SentimentVerdict is the Act payload for a classified headline
type SentimentVerdict struct {
	Headline  string
	Sentiment string
	Rationale string
}

// newsPayload is the expected shape of an event payload on the news key
type newsPayload struct {
	Headline string `json:"headline"`
}

// SentimentAgent classifies news headlines pushed by the trigger feed.
// Read-only and purely event-driven: no interval, runs under the kill switch.
type SentimentAgent struct {
	cfg   SentimentConfig
	cache *cache.Cache
	infer Inferrer
	retry *resilience.RetryPolicy
	log   *logger.Logger
}

// NewSentimentAgent creates the sentiment agent
func NewSentimentAgent(cfg SentimentConfig, c *cache.Cache, infer Inferrer, retry *resilience.RetryPolicy, log *logger.Logger) *SentimentAgent {
	return &SentimentAgent{
		cfg:   cfg,
		cache: c,
		infer: infer,
		retry: retry,
		log:   log.With("agent", "sentiment"),
	}
}

// Task builds the schedulable task for this agent
func (a *SentimentAgent) Task() scheduler.Task {
	return scheduler.Task{
		Name:     "sentiment",
		EventKey: a.cfg.EventKey,
		Mutating: false,
		Decide:   a.decide,
	}
}

func (a *SentimentAgent) decide(ctx context.Context, trigger scheduler.Trigger) (scheduler.Decision, error) {
	headline := extractHeadline(trigger.Payload)
	if headline == "" {
		return scheduler.Hold(), nil
	}

	req := ai.Request{
		Model:        a.cfg.Model,
		SystemPrompt: sentimentSystemPrompt,
		Prompt:       fmt.Sprintf("Headline: %s", headline),
		Temperature:  0,
		MaxTokens:    128,
	}

	// The same headline often arrives from several feeds; one inference serves all
	key := cache.Fingerprint("sentiment", req.Model, headline)
	value, err := a.cache.GetOrCompute(ctx, key, a.cfg.CacheTTL, func(ctx context.Context) (interface{}, error) {
		var resp *ai.Response
		inferErr := a.retry.Do(ctx, func(ctx context.Context) error {
			r, err := a.infer.Infer(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if inferErr != nil {
			return nil, inferErr
		}
		return resp, nil
	})
	if err != nil {
		return scheduler.Decision{}, errors.Wrap(err, "sentiment inference failed")
	}
	resp := value.(*ai.Response)

	sentiment, rationale := parseSentiment(resp.Text)
	a.log.Infow("Headline classified", "headline", headline, "sentiment", sentiment)

	return scheduler.Act(SentimentVerdict{
		Headline:  headline,
		Sentiment: sentiment,
		Rationale: rationale,
	}), nil
}

// extractHeadline pulls the headline out of a trigger payload, tolerating
// both structured payloads and bare strings
func extractHeadline(payload interface{}) string {
	switch p := payload.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(p)
	case json.RawMessage:
		var np newsPayload
		if err := json.Unmarshal(p, &np); err == nil && np.Headline != "" {
			return strings.TrimSpace(np.Headline)
		}
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			return strings.TrimSpace(s)
		}
		return ""
	default:
		return ""
	}
}

// parseSentiment mirrors parseDecision for the sentiment vocabulary
func parseSentiment(text string) (sentiment string, rationale string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	verdict := strings.ToUpper(strings.TrimSpace(lines[0]))

	if len(lines) > 1 {
		rationale = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}

	switch verdict {
	case "BULLISH", "BEARISH", "NEUTRAL":
		return verdict, rationale
	default:
		return "NEUTRAL", strings.TrimSpace(text)
	}
}
