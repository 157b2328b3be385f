package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/brokerdesk/bankrecon/cmd/bankrecon/cli"
	"github.com/brokerdesk/bankrecon/internal/app"
	"github.com/brokerdesk/bankrecon/internal/observability"
	"github.com/brokerdesk/bankrecon/internal/platform/cache"
	"github.com/brokerdesk/bankrecon/internal/platform/db"
	"github.com/brokerdesk/bankrecon/jobs"
)

const usage = `usage: bankrecon [command] [flags]

commands:
  serve             run the HTTP API (default)
  preview           normalize a statement file and print what would be imported
  import-statement  queue a statement file for import into a new cutoff
  integrity         queue a ledger integrity scan
  queue             print default queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	switch cmd {
	case "serve":
		serve(ctx, stop, cfg)
	case "preview":
		os.Exit(preview(cfg, args))
	case "import-statement", "integrity", "queue":
		os.Exit(queue(ctx, cfg, cmd, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config) {
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(app.ServiceDeps{
		Config:     cfg,
		Pool:       pool,
		Redis:      redisClient,
		Logger:     logger,
		Registerer: metrics.Registerer(),
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Handlers:   services.Handlers(logger),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func preview(cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("preview", flag.ContinueOnError)
	file := fs.String("file", "", "statement file (.csv or .xlsx)")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return cli.PreviewCommand(cli.PreviewOptions{
		Path:       *file,
		OwnNames:   cfg.StatementOwnNames,
		JSONOutput: *asJSON,
	})
}

func queue(ctx context.Context, cfg *app.Config, cmd string, args []string) int {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	file := fs.String("file", "", "statement file readable by the worker")
	label := fs.String("label", "", "cutoff label, derived from the dates when empty")
	start := fs.String("start", "", "cutoff start date (YYYY-MM-DD)")
	end := fs.String("end", "", "cutoff end date (YYYY-MM-DD)")
	actor := fs.String("actor", os.Getenv("USER"), "operator recorded in the audit log")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	switch cmd {
	case "queue":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("%s: pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return 0
	case "integrity":
		info, err := jobsCLI.Trigger(ctx, jobs.TaskLedgerIntegrity)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("queued %s as %s\n", info.Type, info.ID)
		return 0
	}

	info, err := jobsCLI.EnqueueStatement(ctx, jobs.StatementImportPayload{
		FileName:  *file,
		Path:      *file,
		Label:     *label,
		StartDate: *start,
		EndDate:   *end,
		Actor:     *actor,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("queued %s as %s\n", info.Type, info.ID)
	return 0
}
