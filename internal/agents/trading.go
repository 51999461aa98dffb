package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"helios/internal/adapters/ai"
	"helios/internal/cache"
	"helios/internal/execution"
	"helios/internal/journal"
	"helios/internal/resilience"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/pkg/errors"
	"helios/pkg/logger"
)

const tradingSystemPrompt = `You are a disciplined trading analyst.
Analyze the provided market data and decide on a position change.

Reply format:
Line 1: BUY, SELL, or HOLD (in caps)
Remaining lines: one short paragraph of reasoning.

Never act on weak signals. When in doubt, HOLD.`

// TradingConfig configures one trading agent
type TradingConfig struct {
	Symbol   string
	Quantity decimal.Decimal
	Interval time.Duration
	EventKey string // e.g. "price.btcusdt"
	Model    string
	CacheTTL time.Duration
}

// TradingAgent turns a market snapshot into a trade decision via the model
// router, then acts through the executor. Mutating: gated by the kill switch.
type TradingAgent struct {
	cfg       TradingConfig
	snapshots SnapshotFunc
	cache     *cache.Cache
	infer     Inferrer
	retry     *resilience.RetryPolicy
	safety    *safety.State
	executor  execution.Executor
	journal   DecisionJournal // optional

	log *logger.Logger
}

// NewTradingAgent creates a trading agent. journal may be nil.
func NewTradingAgent(
	cfg TradingConfig,
	snapshots SnapshotFunc,
	c *cache.Cache,
	infer Inferrer,
	retry *resilience.RetryPolicy,
	safetyState *safety.State,
	executor execution.Executor,
	j DecisionJournal,
	log *logger.Logger,
) *TradingAgent {
	return &TradingAgent{
		cfg:       cfg,
		snapshots: snapshots,
		cache:     c,
		infer:     infer,
		retry:     retry,
		safety:    safetyState,
		executor:  executor,
		journal:   j,
		log:       log.With("agent", "trader", "symbol", cfg.Symbol),
	}
}

// Name returns the task name
func (a *TradingAgent) Name() string {
	return "trader:" + strings.ToLower(a.cfg.Symbol)
}

// Task builds the schedulable task for this agent
func (a *TradingAgent) Task() scheduler.Task {
	return scheduler.Task{
		Name:     a.Name(),
		Interval: a.cfg.Interval,
		EventKey: a.cfg.EventKey,
		Mutating: true,
		Decide:   a.decide,
	}
}

func (a *TradingAgent) decide(ctx context.Context, trigger scheduler.Trigger) (scheduler.Decision, error) {
	snapshot, err := a.snapshots(ctx, a.cfg.Symbol)
	if err != nil {
		return scheduler.Decision{}, errors.Wrap(err, "market snapshot failed")
	}

	req := ai.Request{
		Model:        a.cfg.Model,
		SystemPrompt: tradingSystemPrompt,
		Prompt:       a.buildPrompt(snapshot, trigger),
		Temperature:  0.2,
		MaxTokens:    512,
	}

	// Identical snapshots within the TTL share one inference across ticks,
	// event triggers and sibling agents
	key := cache.Fingerprint("trading_decision", a.cfg.Symbol, req.Model, req.Prompt)

	start := time.Now()
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
		return scheduler.Decision{}, errors.Wrap(err, "inference failed")
	}
	resp := value.(*ai.Response)
	latency := time.Since(start)

	action, rationale := parseDecision(resp.Text)
	if action == actionHold {
		a.log.Debugw("Holding", "rationale", rationale)
		return scheduler.Hold(), nil
	}

	// The scheduler gates dispatch, but the switch may flip mid-run
	if a.safety.KillSwitchActive() {
		a.log.Warnw("Kill switch flipped mid-run, dropping action", "action", action)
		return scheduler.Hold(), nil
	}

	side := execution.OrderSideBuy
	if action == actionSell {
		side = execution.OrderSideSell
	}

	exec, err := a.executor.Submit(ctx, execution.Order{
		IdempotencyKey: fmt.Sprintf("%s:%d", a.Name(), trigger.At.UnixNano()),
		Symbol:         a.cfg.Symbol,
		Side:           side,
		Quantity:       a.cfg.Quantity,
		Price:          snapshot.Price,
	})
	if err != nil {
		a.record(ctx, trigger, "error", action, rationale, resp, latency, decimal.NullDecimal{})
		return scheduler.Decision{}, errors.Wrap(err, "order submission failed")
	}

	a.log.Infow("Order filled",
		"action", action,
		"price", exec.FilledPrice,
		"qty", exec.FilledQty,
		"realized_pnl", exec.RealizedPnL,
	)
	a.record(ctx, trigger, "act", action, rationale, resp, latency,
		decimal.NullDecimal{Decimal: exec.RealizedPnL, Valid: true})

	return scheduler.Act(exec), nil
}

func (a *TradingAgent) buildPrompt(snapshot MarketSnapshot, trigger scheduler.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Symbol: %s\nMark price: %s\n\nMarket data:\n%s\n",
		a.cfg.Symbol, snapshot.Price.String(), snapshot.Summary)

	if trigger.Kind == scheduler.TriggerEvent && trigger.Payload != nil {
		fmt.Fprintf(&b, "\nTriggering event (%s): %s\n", trigger.Key, trigger.Payload)
	}
	return b.String()
}

// record journals the decision; failures are logged, never propagated
func (a *TradingAgent) record(
	ctx context.Context,
	trigger scheduler.Trigger,
	kind, action, rationale string,
	resp *ai.Response,
	latency time.Duration,
	pnl decimal.NullDecimal,
) {
	if a.journal == nil {
		return
	}

	entry := &journal.Entry{
		Task:        a.Name(),
		RunID:       fmt.Sprintf("%d", trigger.At.UnixNano()),
		Symbol:      a.cfg.Symbol,
		Kind:        kind,
		Action:      action,
		Rationale:   rationale,
		Provider:    resp.Provider,
		Model:       resp.Model,
		LatencyMs:   latency.Milliseconds(),
		RealizedPnL: pnl,
	}
	if err := a.journal.Record(ctx, entry); err != nil {
		a.log.Errorw("Failed to journal decision", "error", err)
	}
}
