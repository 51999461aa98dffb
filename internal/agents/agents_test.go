package agents

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"helios/internal/adapters/ai"
	"helios/internal/cache"
	"helios/internal/execution"
	"helios/internal/resilience"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/pkg/logger"
)

func newTestLogger() *logger.Logger {
	zapLog, _ := zap.NewDevelopment()
	return &logger.Logger{SugaredLogger: zapLog.Sugar()}
}

// fakeInferrer returns a scripted reply
type fakeInferrer struct {
	reply string
	calls atomic.Int32
	err   error
}

func (f *fakeInferrer) Infer(ctx context.Context, req ai.Request) (*ai.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Response{Provider: "fake", Model: req.Model, Text: f.reply}, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTradingAgent(t *testing.T, reply string, safetyState *safety.State) (*TradingAgent, *fakeInferrer, *execution.PaperExecutor) {
	t.Helper()
	log := newTestLogger()
	infer := &fakeInferrer{reply: reply}
	executor := execution.NewPaperExecutor(safetyState, log)

	snapshots := func(ctx context.Context, symbol string) (MarketSnapshot, error) {
		return MarketSnapshot{Summary: "RSI 28, price above MA50", Price: d("100")}, nil
	}

	agent := NewTradingAgent(
		TradingConfig{
			Symbol:   "BTCUSDT",
			Quantity: d("1"),
			Interval: time.Minute,
			Model:    "test-model",
			CacheTTL: time.Minute,
		},
		snapshots,
		cache.New(time.Minute, log),
		infer,
		resilience.NewRetryPolicy(2, time.Millisecond, 10*time.Millisecond, log),
		safetyState,
		executor,
		nil,
		log,
	)
	return agent, infer, executor
}

func newSafetyState() *safety.State {
	return safety.New(safety.Config{MaxCumulativeLoss: d("1000")}, nil, newTestLogger())
}

func TestParseDecision(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		action    string
		rationale string
	}{
		{"buy with rationale", "BUY\nBullish momentum above MA50.", "BUY", "Bullish momentum above MA50."},
		{"sell lowercase", "sell\nBreaking down.", "SELL", "Breaking down."},
		{"hold", "HOLD", "HOLD", ""},
		{"nothing maps to hold", "NOTHING\nNo edge.", "HOLD", "No edge."},
		{"garbage defaults to hold", "The market could go either way.", "HOLD", "The market could go either way."},
		{"whitespace tolerated", "  BUY  \n  strong signal  ", "BUY", "strong signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, rationale := parseDecision(tt.text)
			assert.Equal(t, tt.action, action)
			assert.Equal(t, tt.rationale, rationale)
		})
	}
}

func TestTradingAgent_BuySubmitsOrder(t *testing.T) {
	agent, _, executor := newTradingAgent(t, "BUY\nBullish breakout.", newSafetyState())

	decision, err := agent.decide(context.Background(), scheduler.Trigger{
		Kind: scheduler.TriggerInterval,
		At:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecisionAct, decision.Kind)

	exec, ok := decision.Payload.(*execution.Execution)
	require.True(t, ok)
	assert.Equal(t, execution.OrderStatusFilled, exec.Status)

	qty, avg := executor.Position("BTCUSDT")
	assert.True(t, qty.Equal(d("1")))
	assert.True(t, avg.Equal(d("100")))
}

func TestTradingAgent_HoldDoesNotTrade(t *testing.T) {
	agent, _, executor := newTradingAgent(t, "HOLD\nNo edge here.", newSafetyState())

	decision, err := agent.decide(context.Background(), scheduler.Trigger{At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecisionHold, decision.Kind)

	qty, _ := executor.Position("BTCUSDT")
	assert.True(t, qty.IsZero())
}

func TestTradingAgent_KillSwitchDropsAction(t *testing.T) {
	safetyState := newSafetyState()
	agent, _, executor := newTradingAgent(t, "BUY\nLooks great.", safetyState)

	safetyState.Trip(context.Background(), "test halt")

	decision, err := agent.decide(context.Background(), scheduler.Trigger{At: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecisionHold, decision.Kind)

	qty, _ := executor.Position("BTCUSDT")
	assert.True(t, qty.IsZero())
}

func TestTradingAgent_IdenticalTicksShareOneInference(t *testing.T) {
	agent, infer, _ := newTradingAgent(t, "HOLD", newSafetyState())

	at := time.Now()
	for i := 0; i < 3; i++ {
		_, err := agent.decide(context.Background(), scheduler.Trigger{At: at})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), infer.calls.Load(), "identical snapshots within the TTL must share one inference")
}

func TestTradingAgent_InferenceFailureSurfaces(t *testing.T) {
	safetyState := newSafetyState()
	agent, infer, _ := newTradingAgent(t, "", safetyState)
	infer.err = assert.AnError

	_, err := agent.decide(context.Background(), scheduler.Trigger{At: time.Now()})
	require.Error(t, err)
}

func TestRiskAgent_WarnsNearLossLimit(t *testing.T) {
	log := newTestLogger()
	safetyState := safety.New(safety.Config{MaxCumulativeLoss: d("1000")}, nil, log)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{}, log)

	agent := NewRiskAgent(RiskConfig{
		Interval:  time.Minute,
		MaxLoss:   d("1000"),
		WarnRatio: 0.8,
	}, safetyState, breakers, log)

	// Well inside the limit: nothing to report
	safetyState.RecordPnL(context.Background(), d("-100"))
	decision, err := agent.decide(context.Background(), scheduler.Trigger{})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecisionHold, decision.Kind)

	// Past the warn ratio
	safetyState.RecordPnL(context.Background(), d("-750"))
	decision, err = agent.decide(context.Background(), scheduler.Trigger{})
	require.NoError(t, err)
	require.Equal(t, scheduler.DecisionAct, decision.Kind)

	report, ok := decision.Payload.(RiskReport)
	require.True(t, ok)
	assert.InDelta(t, 0.85, report.LossRatio, 0.001)
	assert.False(t, report.KillSwitch)
}

func TestRiskAgent_ReportsOpenCircuits(t *testing.T) {
	log := newTestLogger()
	safetyState := safety.New(safety.Config{MaxCumulativeLoss: d("1000")}, nil, log)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 2}, log)

	breakers.Get("openai").RecordFailure()
	breakers.Get("openai").RecordFailure()

	agent := NewRiskAgent(RiskConfig{Interval: time.Minute, MaxLoss: d("1000")}, safetyState, breakers, log)

	decision, err := agent.decide(context.Background(), scheduler.Trigger{})
	require.NoError(t, err)
	require.Equal(t, scheduler.DecisionAct, decision.Kind)

	report := decision.Payload.(RiskReport)
	assert.Equal(t, []string{"openai"}, report.OpenCircuits)
}

func TestRiskAgent_IsReadOnly(t *testing.T) {
	log := newTestLogger()
	agent := NewRiskAgent(RiskConfig{Interval: time.Minute}, newSafetyState(), resilience.NewRegistry(resilience.BreakerConfig{}, log), log)

	assert.False(t, agent.Task().Mutating, "risk monitor must keep running under the kill switch")
}

func TestSentimentAgent_ClassifiesHeadline(t *testing.T) {
	log := newTestLogger()
	infer := &fakeInferrer{reply: "BULLISH\nSupply shock incoming."}

	agent := NewSentimentAgent(SentimentConfig{
		EventKey: "news.flash",
		Model:    "test-model",
		CacheTTL: time.Minute,
	}, cache.New(time.Minute, log), infer, resilience.NewRetryPolicy(2, time.Millisecond, 10*time.Millisecond, log), log)

	payload := json.RawMessage(`{"headline":"ETF approved"}`)
	decision, err := agent.decide(context.Background(), scheduler.Trigger{
		Kind:    scheduler.TriggerEvent,
		Key:     "news.flash",
		Payload: payload,
	})
	require.NoError(t, err)
	require.Equal(t, scheduler.DecisionAct, decision.Kind)

	verdict := decision.Payload.(SentimentVerdict)
	assert.Equal(t, "ETF approved", verdict.Headline)
	assert.Equal(t, "BULLISH", verdict.Sentiment)

	// Duplicate delivery of the same headline reuses the cached verdict
	_, err = agent.decide(context.Background(), scheduler.Trigger{Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, int32(1), infer.calls.Load())
}

func TestSentimentAgent_HoldsWithoutHeadline(t *testing.T) {
	log := newTestLogger()
	agent := NewSentimentAgent(SentimentConfig{EventKey: "news.flash"},
		cache.New(time.Minute, log), &fakeInferrer{}, resilience.NewRetryPolicy(1, time.Millisecond, time.Millisecond, log), log)

	decision, err := agent.decide(context.Background(), scheduler.Trigger{Payload: nil})
	require.NoError(t, err)
	assert.Equal(t, scheduler.DecisionHold, decision.Kind)
}
