package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filingwatch/internal/adapter/extract"
	httpAdapter "filingwatch/internal/adapter/http"
	"filingwatch/internal/adapter/notify"
	"filingwatch/internal/adapter/report"
	"filingwatch/internal/adapter/source"
	"filingwatch/internal/adapter/sqlite"
	"filingwatch/internal/config"
	"filingwatch/internal/domain"
	"filingwatch/internal/logging"
	"filingwatch/internal/metrics"
	"filingwatch/internal/poller"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		os.Stderr.WriteString("logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	if cfg.Edgar.UserAgent == "" {
		logger.Error("edgar.user_agent is required; the SEC rejects anonymous clients")
		os.Exit(1)
	}
	if cfg.Extraction.APIKey == "" {
		logger.Error("OPENAI_API_KEY is required for extraction")
		os.Exit(1)
	}

	logger.Info("starting filingwatch",
		"database", cfg.Database.Path,
		"reports", cfg.Reports.Dir,
		"tickers", len(cfg.Poller.Tickers))

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Error("opening state database failed", "path", cfg.Database.Path, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	state := domain.NewStateManager(store)

	// Recover claims orphaned by a previous crash before the first cycle.
	if swept, err := state.SweepStaleClaims(context.Background(), cfg.Poller.StaleClaimAge.Std()); err != nil {
		logger.Warn("startup stale claim sweep failed", "error", err)
	} else if swept > 0 {
		logger.Info("recovered stale claims from previous run", "count", swept)
	}

	registry := source.NewRegistry()
	registry.Register(source.MarketUS, source.NewEdgarClient(cfg.Edgar.UserAgent, nil, logger))
	registry.Register(source.MarketIN, source.NewNSEClient(nil, logger))

	extractCfg := extract.DefaultConfig()
	extractCfg.APIKey = cfg.Extraction.APIKey
	if cfg.Extraction.Model != "" {
		extractCfg.Model = cfg.Extraction.Model
	}
	extractor := extract.New(extractCfg, logger)

	reports := report.NewStore(cfg.Reports.Dir)

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("metrics registration failed", "error", err)
		os.Exit(1)
	}

	var notifier domain.Notifier
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		notifier = notify.NewTelegramNotifier(tg.BotToken, tg.ChatID)
		logger.Info("telegram alerts enabled", "chat_id", tg.ChatID)
	} else {
		logger.Info("telegram alerts disabled, reports are artifact-only")
	}

	engine, err := poller.New(poller.Deps{
		Registry:  registry,
		State:     state,
		Extractor: extractor,
		Reports:   reports,
		Notifier:  notifier,
		Metrics:   collector,
		Logger:    logger,
	}, poller.Config{
		Tickers:          cfg.Poller.Tickers,
		FetchLimit:       cfg.Poller.FetchLimit,
		StaleClaimAge:    cfg.Poller.StaleClaimAge.Std(),
		FailureRetention: cfg.Poller.FailureRetention.Std(),
		OnEmptyText:      poller.EmptyTextPolicy(cfg.Poller.OnEmptyText),
	})
	if err != nil {
		logger.Error("building polling engine failed", "error", err)
		os.Exit(1)
	}

	srv := httpAdapter.NewServer(state, engine, collector.Handler(), cfg.Server.Addr, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pollerDone := make(chan error, 1)
	go func() {
		pollerDone <- engine.RunScheduled(ctx, cfg.Poller.Cron, cfg.Poller.Interval.Std())
	}()

	go func() {
		logger.Info("diagnostics server listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("diagnostics server error", "error", err)
		}
	}()

	pollerStopped := false
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-pollerDone:
		pollerStopped = true
		if err != nil {
			logger.Error("polling engine stopped", "error", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("diagnostics server shutdown error", "error", err)
	}

	// Let an in-flight cycle finish before closing the database.
	if !pollerStopped {
		select {
		case <-pollerDone:
		case <-shutdownCtx.Done():
		}
	}

	logger.Info("shutdown complete")
}
