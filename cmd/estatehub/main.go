package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/estatehub/estatehub/cmd/estatehub/cli"
	"github.com/estatehub/estatehub/internal/app"
	"github.com/estatehub/estatehub/internal/approval"
	"github.com/estatehub/estatehub/internal/audit"
	audithttp "github.com/estatehub/estatehub/internal/audit/http"
	"github.com/estatehub/estatehub/internal/auth"
	"github.com/estatehub/estatehub/internal/observability"
	"github.com/estatehub/estatehub/internal/platform/cache"
	"github.com/estatehub/estatehub/internal/platform/db"
	"github.com/estatehub/estatehub/internal/rbac"
	"github.com/estatehub/estatehub/internal/shared"
	"github.com/estatehub/estatehub/jobs"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		if err := runJobs(ctx, cfg, os.Args[2:]); err != nil {
			logger.Error("jobs command", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	redisOpts := cfg.RedisOptions()
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PoolOptions())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "estatehub_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	auditLogger := audit.NewLogger(dbpool)
	metrics := observability.NewMetrics()

	rbacRepo := rbac.NewRepository(dbpool)
	checker, err := rbac.NewChecker(rbac.CheckerConfig{
		Store:         rbacRepo,
		Hierarchy:     rbac.NewPGHierarchy(dbpool),
		Audit:         auditLogger,
		Metrics:       metrics,
		Logger:        logger,
		RoleCacheSize: cfg.RoleCacheSize,
	})
	if err != nil {
		logger.Error("init permission checker", slog.Any("error", err))
		os.Exit(1)
	}
	rbacService := rbac.NewService(rbacRepo, checker, sessionManager, logger, rbac.ServiceConfig{
		EmergencyDefaultTTL: cfg.EmergencyDefaultTTL,
		EmergencyMaxTTL:     cfg.EmergencyMaxTTL,
	})
	roles, err := rbacService.Bootstrap(ctx)
	if err != nil {
		logger.Error("bootstrap roles", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("roles ready", slog.Int("count", len(roles)))
	rbacMiddleware := rbac.Middleware{Checker: checker, Logger: logger}
	accessHandler := rbac.NewHandler(logger, rbacService, rbacMiddleware)

	approvalService := approval.NewService(
		approval.NewRepository(dbpool, idempotencyStore),
		checker,
		approval.NewPolicy(approval.PolicyConfig{
			TTL:              cfg.ApprovalTTL,
			ExpenseThreshold: cfg.ApprovalExpenseThreshold,
			RefundThreshold:  cfg.ApprovalRefundThreshold,
			PayoutThreshold:  cfg.ApprovalPayoutThreshold,
		}),
		logger,
	)
	for kind, applier := range approval.DefaultAppliers() {
		approvalService.RegisterApplier(kind, applier)
	}
	approvalService.WithMetrics(metrics)
	approvalHandler := approval.NewHandler(logger, approvalService, rbacMiddleware)

	authService := auth.NewService(auth.NewRepository(dbpool), auditLogger, logger)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	jobClient, err := jobs.NewClient(redisOpts.Asynq())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditService := audit.NewService(audit.NewRepository(dbpool), app.ArchiveAuthorizer{Checker: checker}, logger)
	auditHandler := audithttp.NewHandler(logger, auditService, checker, jobClient, cfg.AuditRetention)

	inspector := asynq.NewInspector(redisOpts.Asynq())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		AuthHandler:     authHandler,
		AccessHandler:   accessHandler,
		RBACMiddleware:  rbacMiddleware,
		ApprovalHandler: approvalHandler,
		AuditHandler:    auditHandler,
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
		Readiness: []app.HealthCheck{
			{Name: "postgres", Check: dbpool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// runJobs handles `estatehub jobs <trigger|stats|refused> ...`.
func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: estatehub jobs <trigger|stats|refused> [flags]")
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisOptions().Asynq())
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "stats":
		stats, err := jobsCLI.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
		return nil
	case "refused":
		refused, err := jobsCLI.ListRefused(ctx, 20)
		if err != nil {
			return err
		}
		for _, task := range refused {
			fmt.Printf("%s %s %s: %s\n", task.ID, task.Type, task.Payload, task.Error)
		}
		return nil
	case "trigger":
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		name := fs.String("job", jobs.TaskAuditArchive, "task type to enqueue")
		actorID := fs.String("actor-id", "", "actor requesting the run")
		actorType := fs.String("actor-type", string(rbac.ActorAdmin), "actor type")
		days := fs.Int("older-than-days", cfg.AuditRetentionDays(), "audit retention in days")
		hours := fs.Int("older-than-hours", int(cfg.IdempotencyRetention/time.Hour), "idempotency key retention in hours")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		info, err := jobsCLI.Trigger(ctx, *name, cli.TriggerOptions{
			ActorID:        *actorID,
			ActorType:      *actorType,
			OlderThanDays:  *days,
			OlderThanHours: *hours,
		})
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s\n", info.Type, info.ID)
		return nil
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
}
