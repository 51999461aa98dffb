package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"helios/internal/adapters/ai"
	"helios/internal/adapters/config"
	"helios/internal/adapters/errors/noop"
	"helios/internal/adapters/errors/sentry"
	"helios/internal/adapters/redis"
	"helios/internal/adapters/telegram"
	"helios/internal/agents"
	"helios/internal/cache"
	"helios/internal/execution"
	"helios/internal/journal"
	"helios/internal/marketdata"
	"helios/internal/metrics"
	"helios/internal/ops"
	"helios/internal/resilience"
	"helios/internal/router"
	"helios/internal/safety"
	"helios/internal/scheduler"
	"helios/internal/trigger"
	"helios/pkg/errors"
	"helios/pkg/logger"
	"helios/pkg/reconnect"
)

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	if err := initLogger(cfg); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	log := logger.Get()
	log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	// Initialize error tracker
	errorTracker := initErrorTracker(cfg, log)
	logger.SetErrorTracker(errorTracker)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Register()

	// Redis is optional; without it the kill switch is process-local
	redisClient := initRedis(cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
	}

	safetyState := initSafety(ctx, cfg, redisClient, log)

	// Resilience layer: per-provider breakers plus the caller-side retry policy
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.Circuit.FailureThreshold,
		Window:           cfg.Circuit.Window,
		Cooldown:         cfg.Circuit.Cooldown,
		MaxCooldown:      cfg.Circuit.MaxCooldown,
	}, log)
	retryPolicy := resilience.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, log)

	// AI providers behind the fallback router
	providers, err := ai.BuildProviders(ctx, cfg.AI, log)
	if err != nil {
		log.Fatalf("Failed to initialize AI providers: %v", err)
	}
	modelRouter := router.New(providers, breakers, cfg.AI.RequestTimeout, log)

	decisionCache := cache.New(cfg.Cache.DefaultTTL, log)
	decisionCache.StartSweep(ctx, cfg.Cache.SweepInterval)

	decisionJournal := initJournal(ctx, cfg, log)
	if decisionJournal != nil {
		defer decisionJournal.Close()
	}

	notifier := initNotifier(cfg, log)

	executor := execution.NewPaperExecutor(safetyState, log)
	market := marketdata.NewClient(marketdata.Config{BaseURL: cfg.Agents.MarketDataURL}, log)

	// Scheduler with the agent fleet
	sched := scheduler.New(scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		DegradedAfter: cfg.Scheduler.DegradedAfter,
	}, safetyState, log)

	if notifier != nil {
		safetyState.SetOnTrip(func(reason string) {
			notifier.NotifyKillSwitch(ctx, reason, safetyState.GetSnapshot().CumulativePnL)
		})
		sched.SetOnDegraded(func(task string, consecutiveErrors int) {
			notifier.NotifyTaskDegraded(ctx, task, consecutiveErrors)
		})
	}

	if err := registerAgents(cfg, sched, market, decisionCache, modelRouter, retryPolicy, safetyState, executor, decisionJournal, breakers, log); err != nil {
		log.Fatalf("Failed to register agents: %v", err)
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	startTriggerFeed(ctx, cfg, sched, notifier, log)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.Serve(cfg.Metrics.Addr)
		log.Infow("Metrics server started", "addr", cfg.Metrics.Addr)
	}

	var adminSrv *http.Server
	if cfg.Admin.Enabled {
		adminSrv = initAdminServer(cfg, safetyState, sched, breakers, decisionCache, redisClient, notifier, decisionJournal, log)
	}

	startStatusLoop(ctx, sched, breakers, decisionCache, log)

	log.Info("System initialized successfully")

	// Wait for shutdown signal
	waitForShutdown(cancel, cfg, sched, metricsSrv, adminSrv, errorTracker, log)
}

// loadConfig loads application configuration from environment
func loadConfig() (*config.Config, error) {
	return config.Load()
}

// initLogger initializes structured logging
func initLogger(cfg *config.Config) error {
	return logger.Init(cfg.App.LogLevel, cfg.App.Env)
}

// initErrorTracker initializes error tracking (Sentry or no-op)
func initErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return noop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return noop.New()
	}

	log.Info("Error tracking initialized (Sentry)")
	return tracker
}

// initRedis connects to redis when enabled, nil otherwise
func initRedis(cfg *config.Config, log *logger.Logger) *redis.Client {
	if !cfg.Redis.Enabled {
		log.Info("Redis disabled, kill switch will not survive restarts")
		return nil
	}

	client, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	log.Infow("Redis connected", "addr", cfg.Redis.Addr())
	return client
}

// initSafety builds the safety state and restores a persisted kill switch
func initSafety(ctx context.Context, cfg *config.Config, redisClient *redis.Client, log *logger.Logger) *safety.State {
	var store safety.RedisClient
	if redisClient != nil {
		store = redisClient
	}

	state := safety.New(safety.Config{
		MaxCumulativeLoss: decimal.NewFromFloat(cfg.Safety.MaxCumulativeLoss),
		KillSwitchTTL:     cfg.Safety.KillSwitchTTL,
	}, store, log)
	state.Restore(ctx)

	return state
}

// initJournal connects the decision journal when enabled, nil otherwise
func initJournal(ctx context.Context, cfg *config.Config, log *logger.Logger) *journal.Journal {
	if !cfg.Journal.Enabled {
		log.Info("Decision journal disabled")
		return nil
	}

	j, err := journal.New(cfg.Journal.DSN(), log)
	if err != nil {
		log.Fatalf("Failed to connect to journal database: %v", err)
	}
	if err := j.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure journal schema: %v", err)
	}

	log.Info("Decision journal initialized")
	return j
}

// initNotifier builds the Telegram alert channel when enabled, nil otherwise
func initNotifier(cfg *config.Config, log *logger.Logger) *telegram.Notifier {
	if !cfg.Telegram.Enabled || cfg.Telegram.BotToken == "" {
		log.Info("Telegram alerts disabled")
		return nil
	}

	notifier, err := telegram.NewNotifier(telegram.Config{
		Token:   cfg.Telegram.BotToken,
		ChatIDs: cfg.Telegram.ChatIDs,
	}, log)
	if err != nil {
		log.Warnf("Failed to initialize Telegram alerts: %v", err)
		return nil
	}

	log.Infow("Telegram alerts initialized", "chats", len(cfg.Telegram.ChatIDs))
	return notifier
}

// registerAgents wires the agent fleet into the scheduler: one trading agent
// per symbol, the risk monitor and the sentiment classifier
func registerAgents(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	market *marketdata.Client,
	decisionCache *cache.Cache,
	infer agents.Inferrer,
	retryPolicy *resilience.RetryPolicy,
	safetyState *safety.State,
	executor execution.Executor,
	decisionJournal *journal.Journal,
	breakers *resilience.Registry,
	log *logger.Logger,
) error {
	snapshots := func(ctx context.Context, symbol string) (agents.MarketSnapshot, error) {
		snap, err := market.Snapshot(ctx, symbol)
		if err != nil {
			return agents.MarketSnapshot{}, err
		}
		return agents.MarketSnapshot{Summary: snap.Summary, Price: snap.Price}, nil
	}

	// A nil *Journal must stay a nil interface so agents skip journaling
	var j agents.DecisionJournal
	if decisionJournal != nil {
		j = decisionJournal
	}

	quantity := decimal.NewFromFloat(cfg.Agents.TradeQuantity)
	for _, symbol := range cfg.Agents.Symbols {
		symbol = strings.TrimSpace(symbol)
		trader := agents.NewTradingAgent(agents.TradingConfig{
			Symbol:   strings.ToUpper(symbol),
			Quantity: quantity,
			Interval: cfg.Agents.TradeInterval,
			EventKey: "price." + strings.ToLower(symbol),
			Model:    cfg.Agents.Model,
			CacheTTL: cfg.Agents.DecisionCacheTTL,
		}, snapshots, decisionCache, infer, retryPolicy, safetyState, executor, j, log)

		if err := sched.Register(trader.Task()); err != nil {
			return errors.Wrapf(err, "register trading agent for %s", symbol)
		}
	}

	risk := agents.NewRiskAgent(agents.RiskConfig{
		Interval: cfg.Agents.RiskInterval,
		MaxLoss:  decimal.NewFromFloat(cfg.Safety.MaxCumulativeLoss),
	}, safetyState, breakers, log)
	if err := sched.Register(risk.Task()); err != nil {
		return errors.Wrap(err, "register risk monitor")
	}

	sentiment := agents.NewSentimentAgent(agents.SentimentConfig{
		EventKey: cfg.Agents.SentimentKey,
		Model:    cfg.Agents.Model,
		CacheTTL: cfg.Agents.DecisionCacheTTL,
	}, decisionCache, infer, retryPolicy, log)
	if err := sched.Register(sentiment.Task()); err != nil {
		return errors.Wrap(err, "register sentiment agent")
	}

	return nil
}

// initAdminServer starts the operator surface: status and health queries
// plus manual kill switch trip/reset
func initAdminServer(
	cfg *config.Config,
	safetyState *safety.State,
	sched *scheduler.Scheduler,
	breakers *resilience.Registry,
	decisionCache *cache.Cache,
	redisClient *redis.Client,
	notifier *telegram.Notifier,
	decisionJournal *journal.Journal,
	log *logger.Logger,
) *http.Server {
	var locker ops.Locker
	var checks []ops.HealthCheck
	if redisClient != nil {
		locker = redisClient
		checks = append(checks, ops.HealthCheck{Name: "redis", Check: redisClient.Health})
	}
	if decisionJournal != nil {
		checks = append(checks, ops.HealthCheck{Name: "journal", Check: decisionJournal.Health})
	}

	var alerts ops.Alerter
	if notifier != nil {
		alerts = notifier
	}

	server := ops.NewServer(safetyState, sched, breakers, decisionCache, locker, alerts, checks, log)
	srv := server.Serve(cfg.Admin.Addr)
	log.Infow("Admin server started", "addr", cfg.Admin.Addr)
	return srv
}

// startTriggerFeed starts the configured real-time trigger source, if any
func startTriggerFeed(ctx context.Context, cfg *config.Config, sink trigger.Sink, notifier *telegram.Notifier, log *logger.Logger) {
	var source trigger.Source

	switch strings.ToLower(cfg.Trigger.Source) {
	case "websocket":
		reconnector := reconnect.NewManager(reconnect.Config{
			HeartbeatTimeout: cfg.Trigger.HeartbeatTimeout,
		}, log)
		source = trigger.NewWebsocketSource(trigger.WebsocketConfig{
			URL:         cfg.Trigger.WebsocketURL,
			Channels:    cfg.Trigger.Channels,
			ReadTimeout: cfg.Trigger.HeartbeatTimeout,
		}, sink, reconnector, log)
	case "kafka":
		source = trigger.NewKafkaSource(trigger.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		}, sink, log)
	case "", "none":
		log.Info("Trigger feed disabled, interval scheduling only")
		return
	default:
		log.Fatalf("Unknown trigger source: %s", cfg.Trigger.Source)
	}

	go func() {
		if err := source.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Trigger feed stopped: %v", err)
			if notifier != nil {
				notifier.NotifyFeedDown(ctx, source.Name(), time.Now())
			}
		}
	}()

	log.Infow("Trigger feed started", "source", source.Name())
}

// startStatusLoop periodically logs task, breaker and cache health
func startStatusLoop(ctx context.Context, sched *scheduler.Scheduler, breakers *resilience.Registry, decisionCache *cache.Cache, log *logger.Logger) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, task := range sched.GetSnapshots() {
					log.Infow("Task status",
						"task", task.Name,
						"running", task.Running,
						"degraded", task.Degraded,
						"last_run", task.LastRun,
						"last_outcome", task.LastOutcome,
						"consecutive_errors", task.ConsecutiveErrors,
					)
				}

				for _, b := range breakers.Snapshots() {
					if b.State != resilience.StateClosed.String() {
						log.Warnw("Circuit not closed",
							"provider", b.Name,
							"state", b.State,
							"failures", b.Failures,
						)
					}
				}

				stats := decisionCache.GetStats()
				log.Infow("Cache stats", "hits", stats.Hits, "misses", stats.Misses, "entries", stats.Entries)
			}
		}
	}()
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func waitForShutdown(
	cancel context.CancelFunc,
	cfg *config.Config,
	sched *scheduler.Scheduler,
	metricsSrv *http.Server,
	adminSrv *http.Server,
	errorTracker errors.Tracker,
	log *logger.Logger,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("Shutting down...")

	// Stop dispatching first so in-flight runs can drain
	if err := sched.Shutdown(cfg.Scheduler.ShutdownTimeout); err != nil {
		log.Warnf("Scheduler shutdown incomplete: %v", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	shutdownCancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := errorTracker.Flush(flushCtx); err != nil {
		log.Warnf("Error tracker flush failed: %v", err)
	}
	flushCancel()

	log.Info("Shutdown complete")
}
