package agents

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"helios/internal/adapters/ai"
	"helios/internal/journal"
)

// Inferrer is the inference surface agents depend on; satisfied by the
// provider fallback router.
type Inferrer interface {
	Infer(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// DecisionJournal persists non-Hold decisions; satisfied by journal.Journal.
// Agents treat journaling as best-effort.
type DecisionJournal interface {
	Record(ctx context.Context, entry *journal.Entry) error
}

// MarketSnapshot carries what an agent needs to decide and fill
type MarketSnapshot struct {
	Summary string // formatted market data injected into the prompt
	Price   decimal.Decimal
}

// SnapshotFunc fetches the current market snapshot for a symbol
type SnapshotFunc func(ctx context.Context, symbol string) (MarketSnapshot, error)

const (
	actionBuy  = "BUY"
	actionSell = "SELL"
	actionHold = "HOLD"
)

// parseDecision extracts the verdict from a model reply. The contract is:
// first line BUY, SELL or HOLD, remaining lines are the rationale. Anything
// that does not parse defaults to HOLD.
func parseDecision(text string) (action string, rationale string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")

	verdict := strings.ToUpper(strings.TrimSpace(lines[0]))
	// Some models phrase the no-op differently
	if verdict == "NOTHING" || verdict == "WAIT" {
		verdict = actionHold
	}

	if len(lines) > 1 {
		rationale = strings.TrimSpace(strings.Join(lines[1:], "\n"))
	}

	switch verdict {
	case actionBuy, actionSell, actionHold:
		return verdict, rationale
	default:
		// Unparseable reply: keep the whole text for the operator
		return actionHold, strings.TrimSpace(text)
	}
}
