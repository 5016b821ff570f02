package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/conduit/internal/activities"
	"github.com/rendis/conduit/internal/api"
	"github.com/rendis/conduit/internal/distribution"
	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/expressions"
	"github.com/rendis/conduit/internal/logging"
	"github.com/rendis/conduit/internal/secrets"
	"github.com/rendis/conduit/internal/scheduler"
	"github.com/rendis/conduit/internal/store"
	"github.com/rendis/conduit/internal/streaming"
	"github.com/rendis/conduit/internal/validation"
	conduitmcp "github.com/rendis/conduit/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "conduit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	base, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer base.Close()
	if err := base.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	hub := streaming.NewMemoryHub()
	st := streaming.NewEventBridge(base, hub)

	eval, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("expression evaluator: %w", err)
	}

	registry := activities.NewRegistry()

	var coordinator *distribution.Coordinator
	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewAESVault(base, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		coordinator = distribution.NewCoordinator(st, vault, logger)
	} else {
		logger.Warn("CONDUIT_VAULT_PASSPHRASE not set, distribution disabled")
	}

	opts := engine.Options{
		Store:     st,
		Registry:  registry,
		Evaluator: eval,
		PoolSize:  cfg.PoolSize,
		Logger:    logger,
	}
	if coordinator != nil {
		opts.Distributor = coordinator
	}
	eng := engine.New(opts)
	defer eng.Shutdown()

	validator, err := validation.NewDefinitionValidator(eval)
	if err != nil {
		return fmt.Errorf("definition validator: %w", err)
	}

	sched := scheduler.NewScheduler(st, eng, eng.Checkpoints(), logger, cfg.schedulerInterval())
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.MCP {
		srv := conduitmcp.NewConduitServer(conduitmcp.ConduitServerDeps{
			Engine:      eng,
			Store:       st,
			Coordinator: coordinator,
			Validator:   validator,
			Logger:      logger,
		})
		logger.Info("serving MCP over stdio")
		return srv.Serve(ctx)
	}

	streamer := streaming.NewStreamer(st, hub)
	apiSrv := api.NewServer(api.Deps{
		Engine:      eng,
		Store:       st,
		Coordinator: coordinator,
		Validator:   validator,
		Streamer:    streamer,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("conduit listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
