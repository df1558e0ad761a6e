package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"garden-hub/internal/archive"
	"garden-hub/internal/automation"
	"garden-hub/internal/clock"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/events"
	"garden-hub/internal/gateway"
	"garden-hub/internal/metrics"
	"garden-hub/internal/recommend"
	"garden-hub/internal/schedule"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
	"garden-hub/internal/web"
)

func runServe(cmd *cobra.Command, args []string) error {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	loadDotenv(bootLogger)

	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, _ := cfg.location()

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("gardenhub starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	stats := metrics.New(cfg.Metrics, logger)
	defer stats.Close()

	clk := clock.Real()
	tc := transport.Connect(cfg.MQTT, logger)
	topics := transport.NewTopics(cfg.MQTT.TopicPrefix)
	bus := events.NewBus(logger)
	tracker := connectivity.New(clk, cfg.Connectivity.Timeout)

	disp := dispatch.New(tc, db, topics, logger,
		dispatch.WithEventBus(bus),
		dispatch.WithMetrics(stats),
		dispatch.WithClock(clk),
	)

	gw := gateway.New(db, tc, topics, logger,
		gateway.WithEventBus(bus),
		gateway.WithMetrics(stats),
		gateway.WithClock(clk),
		gateway.WithTracker(tracker),
	)
	if err := gw.Start(); err != nil {
		tc.Stop()
		return err
	}

	rules := schedule.NewManager(db, disp, logger)
	executor := schedule.NewExecutor(db, disp, tracker, logger,
		schedule.WithClock(clk),
		schedule.WithLocation(loc),
		schedule.WithInterval(cfg.Schedule.Interval),
		schedule.WithMetrics(stats),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.schedulerEnabled() {
		executor.Start(ctx)
	} else {
		logger.Warn("scheduler disabled by config")
	}

	compiler := recommend.NewCompiler(rules, rules, stats, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	var engine *automation.Engine
	scripts, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("automation disabled", "err", err)
	} else {
		engine = automation.NewEngine(scripts, automation.Deps{
			Bus:       bus,
			Gardens:   db,
			Commander: disp,
			Tracker:   tracker,
			Clock:     clk,
			Location:  loc,
		}, logger)
		engine.Start()
		webOpts = append(webOpts, web.WithAutomation(engine, scripts))
	}

	// The archive is optional: a dead ClickHouse must not keep the hub down.
	sink, err := archive.Open(ctx, cfg.Archive.ClickHouse, logger, archive.WithMetrics(stats))
	if err != nil {
		logger.Warn("archive unavailable, continuing without it", "err", err)
		sink = nil
	}
	sink.Start(bus)

	webServer := web.NewServer(web.Deps{
		Store:      db,
		Dispatcher: disp,
		Schedules:  rules,
		Compiler:   compiler,
		Tracker:    tracker,
		Bus:        bus,
	}, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	executor.Stop()
	if engine != nil {
		engine.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	sink.Stop()
	tc.Stop()

	logger.Info("goodbye")
	return nil
}
