package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/usermicrodevices/prod/cmd/shop/cli"
	"github.com/usermicrodevices/prod/internal/app"
	"github.com/usermicrodevices/prod/internal/catalog"
	"github.com/usermicrodevices/prod/internal/ledger"
	"github.com/usermicrodevices/prod/internal/observability"
	"github.com/usermicrodevices/prod/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] != "serve" {
		if err := runCommand(ctx, cfg, logger, os.Args[1:]); err != nil {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	if err := serve(ctx, stop, cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	rt, err := app.Bootstrap(ctx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer rt.Close()

	var (
		enqueuer   ledger.BatchEnqueuer
		jobHandler *jobs.Handler
	)
	if rt.Redis != nil {
		redisOpt, err := app.AsynqRedisOpt(cfg.RedisAddr)
		if err != nil {
			return err
		}
		client := jobs.NewClient(redisOpt)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("asynq client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		enqueuer = client
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		Metrics:        metrics,
		CatalogHandler: catalog.NewHandler(logger, catalog.NewService(rt.Catalog)),
		LedgerHandler:  ledger.NewHandler(logger, rt.Ledger, rt.Idempotency, enqueuer),
		JobHandler:     jobHandler,
		Checks:         rt.Checks,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("store", cfg.LedgerStore))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "seed":
		rt, err := app.Bootstrap(ctx, cfg, logger, nil)
		if err != nil {
			return err
		}
		defer rt.Close()
		summary, err := cli.Seed(ctx, rt.Catalog, rt.Ledger)
		if err != nil {
			return err
		}
		fmt.Println(summary)
		return nil
	case "jobs":
		redisOpt, err := app.AsynqRedisOpt(cfg.RedisAddr)
		if err != nil {
			return err
		}
		jc := cli.NewJobsCLI(redisOpt)
		defer jc.Close()
		return jc.Run(ctx, os.Stdout, args[1:])
	default:
		return fmt.Errorf("unknown command %q (want serve, seed or jobs)", args[0])
	}
}
