package agents

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"helios/internal/resilience"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/pkg/logger"
)

// RiskConfig configures the risk monitor
type RiskConfig struct {
	Interval  time.Duration
	MaxLoss   decimal.Decimal // mirrors the safety state's loss limit
	WarnRatio float64         // fraction of MaxLoss that triggers a warning (e.g. 0.8)
}

// RiskReport is the Act payload when the monitor finds something
type RiskReport struct {
	CumulativePnL decimal.Decimal
	LossRatio     float64
	OpenCircuits  []string
	KillSwitch    bool
}

// RiskAgent watches drawdown against the loss limit and provider circuit
// health. Read-only: it keeps running under the kill switch so operators
// retain visibility while trading is halted.
type RiskAgent struct {
	cfg      RiskConfig
	safety   *safety.State
	breakers *resilience.Registry
	log      *logger.Logger
}

// NewRiskAgent creates the risk monitor
func NewRiskAgent(cfg RiskConfig, safetyState *safety.State, breakers *resilience.Registry, log *logger.Logger) *RiskAgent {
	if cfg.WarnRatio == 0 {
		cfg.WarnRatio = 0.8
	}
	return &RiskAgent{
		cfg:      cfg,
		safety:   safetyState,
		breakers: breakers,
		log:      log.With("agent", "risk-monitor"),
	}
}

// Task builds the schedulable task for this agent
func (a *RiskAgent) Task() scheduler.Task {
	return scheduler.Task{
		Name:     "risk-monitor",
		Interval: a.cfg.Interval,
		Mutating: false,
		Decide:   a.decide,
	}
}

func (a *RiskAgent) decide(ctx context.Context, trigger scheduler.Trigger) (scheduler.Decision, error) {
	snap := a.safety.GetSnapshot()

	var openCircuits []string
	for _, breaker := range a.breakers.Snapshots() {
		if breaker.State == resilience.StateOpen.String() {
			openCircuits = append(openCircuits, breaker.Name)
		}
	}

	lossRatio := 0.0
	if a.cfg.MaxLoss.IsPositive() && snap.CumulativePnL.IsNegative() {
		ratio, _ := snap.CumulativePnL.Neg().Div(a.cfg.MaxLoss).Float64()
		lossRatio = ratio
	}

	report := RiskReport{
		CumulativePnL: snap.CumulativePnL,
		LossRatio:     lossRatio,
		OpenCircuits:  openCircuits,
		KillSwitch:    snap.KillSwitch,
	}

	if lossRatio >= a.cfg.WarnRatio || len(openCircuits) > 0 || snap.KillSwitch {
		a.log.Warnw("Risk report",
			"cumulative_pnl", snap.CumulativePnL,
			"loss_ratio", lossRatio,
			"open_circuits", openCircuits,
			"kill_switch", snap.KillSwitch,
		)
		return scheduler.Act(report), nil
	}

	return scheduler.Hold(), nil
}
