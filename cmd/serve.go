package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/compresr/chat-gateway/internal/access"
	"github.com/compresr/chat-gateway/internal/backend"
	"github.com/compresr/chat-gateway/internal/config"
	"github.com/compresr/chat-gateway/internal/conversation"
	"github.com/compresr/chat-gateway/internal/costcontrol"
	"github.com/compresr/chat-gateway/internal/gateway"
	"github.com/compresr/chat-gateway/internal/kvstore"
	"github.com/compresr/chat-gateway/internal/membership"
	"github.com/compresr/chat-gateway/internal/monitoring"
	"github.com/compresr/chat-gateway/internal/tokenizer"
	"github.com/compresr/chat-gateway/internal/utils"
)

const shutdownTimeout = 10 * time.Second

// loadConfig loads the env file (if present) and then the config.
func loadConfig(opts options) (*config.Config, error) {
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.envFile, err)
		}
	}
	return config.Load(opts.configPath)
}

// runServeCommand starts the gateway and blocks until SIGINT or SIGTERM.
func runServeCommand(args []string) {
	opts := parseOptions(args)

	cfg, err := loadConfig(opts)
	if err != nil {
		printError(fmt.Sprintf("Error loading config: %v", err))
		os.Exit(1)
	}
	setupLogging(cfg.Logging, opts.debug, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("gateway stopped with error")
		os.Exit(1)
	}
}

// serve wires every component from cfg and runs until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	store, err := kvstore.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer func() { _ = store.Close() }()
	log.Info().
		Str("driver", cfg.Store.Driver).
		Str("redis_url", utils.RedactURL(cfg.Store.RedisURL)).
		Bool("persist_budgets", cfg.Store.PersistBudgets).
		Msg("store ready")

	ledger, err := newLedger(cfg, store)
	if err != nil {
		return err
	}

	members, err := newMembershipChecker(cfg)
	if err != nil {
		return err
	}

	be, err := backend.New(ctx, cfg.Model)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if c, ok := be.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	tracker, err := monitoring.NewTracker(cfg.Monitoring.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = tracker.Close() }()
	metrics := monitoring.NewMetricsCollector()

	orch := gateway.NewOrchestrator(gateway.Deps{
		Gate:      access.NewGate(cfg.Access.Policy(), members),
		History:   conversation.New(store, cfg.History.MaxSize, cfg.History.MaxAge()),
		Ledger:    ledger,
		Prices:    costcontrol.NewPriceSchedule(cfg.Pricing),
		Backend:   be,
		Tokens:    tokenizer.NewTiktoken(cfg.Model.Name),
		Metrics:   metrics,
		Telemetry: tracker,
	}, gateway.OptionsFromConfig(cfg))

	gw := gateway.New(cfg, gateway.Services{
		Orchestrator: orch,
		Ledger:       ledger,
		Store:        store,
		Metrics:      metrics,
		Tracker:      tracker,
	})
	gw.LogStartup()

	if cfg.Monitoring.LedgerPruneInterval > 0 {
		go ledger.Run(ctx, cfg.Monitoring.LedgerPruneInterval, cfg.Monitoring.LedgerIdleTTL)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func newLedger(cfg *config.Config, store kvstore.Store) (*costcontrol.Ledger, error) {
	period, err := costcontrol.ParsePeriod(cfg.Budget.Period)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Budget.Location()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Budget.Policy(cfg.Access.AdminUserIDs.IDs)
	if err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}

	opts := []costcontrol.LedgerOption{costcontrol.WithLocation(loc)}
	if cfg.Store.PersistBudgets {
		opts = append(opts, costcontrol.WithStore(store))
	}
	return costcontrol.NewLedger(policy, period, opts...), nil
}

// newMembershipChecker returns nil when no mandatory channel is configured.
func newMembershipChecker(cfg *config.Config) (access.MembershipChecker, error) {
	if cfg.Access.MandatoryChannelID == "" || !cfg.Matrix.Enabled() {
		return nil, nil
	}
	mc, err := membership.NewMatrixChecker(cfg.Matrix)
	if err != nil {
		return nil, fmt.Errorf("membership: %w", err)
	}
	log.Info().
		Str("homeserver", cfg.Matrix.Homeserver).
		Str("channel", cfg.Access.MandatoryChannelID).
		Str("access_token", utils.MaskKey(cfg.Matrix.AccessToken)).
		Msg("membership checks enabled")
	return membership.NewCachedChecker(mc, cfg.Matrix.CacheTTL), nil
}
