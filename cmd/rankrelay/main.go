// Command rankrelay serves the rank management API for one platform group.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"rankrelay.org/internal/audit"
	"rankrelay.org/internal/auth"
	"rankrelay.org/internal/config"
	"rankrelay.org/internal/httpapi"
	"rankrelay.org/internal/obs"
	"rankrelay.org/internal/platform"
	"rankrelay.org/internal/rank"
	"rankrelay.org/internal/resilient"
	"rankrelay.org/internal/roles"
	"rankrelay.org/internal/scheduler"
	"rankrelay.org/internal/session"
	pgstore "rankrelay.org/internal/store/pg"
	"rankrelay.org/internal/stream"
	"rankrelay.org/internal/undo"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const limiterCleanupInterval = time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rankrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("rankrelay", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to YAML config (default $CONFIG_PATH or ./config.yaml)")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("rankrelay %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := obs.NewLogger(cfg.Log, os.Stdout)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := resilient.New(resilient.Policy{
		MaxAttempts: cfg.Platform.MaxAttempts,
		Timeout:     cfg.Platform.Timeout,
		BaseDelay:   cfg.Platform.BaseDelay,
		MaxDelay:    cfg.Platform.MaxDelay,
		Multiplier:  2,
		Jitter:      cfg.Platform.Jitter,
	},
		resilient.WithLogger(logger),
		resilient.WithTTL(resilient.ClassRoles, cfg.Platform.RolesTTL),
		resilient.WithTTL(resilient.ClassGroup, cfg.Platform.GroupTTL),
		resilient.WithTTL(resilient.ClassPermissions, cfg.Platform.PermissionsTTL),
		resilient.WithTTL(resilient.ClassHealth, cfg.Platform.HealthTTL),
		resilient.WithOnRetry(func(ev resilient.RetryEvent) { obs.ObservePlatformRetry(ev.Op) }),
		resilient.WithOnHealthChange(obs.SetPlatformHealthy),
		resilient.WithOnCacheLookup(func(c resilient.Class, hit bool) { obs.ObserveCacheLookup(string(c), hit) }),
	)
	pf := platform.New(platform.Config{
		BaseURL:    cfg.Platform.BaseURL,
		GroupID:    cfg.Platform.GroupID,
		Credential: cfg.Platform.Credential,
	}, rc, &http.Client{}, logger)

	dir := roles.NewDirectory(pf, nil)
	if err := dir.Refresh(ctx); err != nil {
		// Served as 503 until the scheduled refresh succeeds.
		logger.Warn("initial role refresh failed", slog.String("error", err.Error()))
	}

	events := stream.New()
	sinks := []audit.Sink{events}
	if cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(audit.FileOptions{
			Path:     cfg.Audit.FilePath,
			MaxBytes: cfg.Audit.MaxFileBytes,
			MaxFiles: cfg.Audit.MaxFiles,
			Compress: cfg.Audit.Compress,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Audit.PostgresDSN != "" {
		store, err := pgstore.Open(cfg.Audit.PostgresDSN)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = store.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("audit postgres: %w", err)
		}
		sinks = append(sinks, store)
	}
	auditLog := audit.New(audit.Options{
		MaxEntries: cfg.Audit.MaxEntries,
		MaxAge:     cfg.Audit.MaxAge,
		Logger:     logger,
	}, sinks...)
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("close audit sinks", slog.String("error", err.Error()))
		}
	}()

	policy := rank.NewPolicy(dir, pf, auditLog, rank.Options{
		MinRank: uint8(cfg.Rank.MinRank),
		MaxRank: uint8(cfg.Rank.MaxRank),
		Logger:  logger,
	})
	undoCache := undo.New(rc.Clock(), cfg.Undo.Window)
	policy.OnChange(undoCache)

	var notifier session.Notifier
	if cfg.Session.WebhookURL != "" {
		// Separate client so webhook failures do not flip platform health.
		hookRC := resilient.New(resilient.DefaultPolicy(), resilient.WithLogger(logger))
		notifier = session.NewWebhookNotifier(cfg.Session.WebhookURL, "rankrelay", hookRC, &http.Client{})
	}
	monitor := session.NewMonitor(pf, rc, session.Options{Logger: logger, Notifier: notifier})

	authn, err := auth.NewAuthenticator(cfg.Auth.APIKey, cfg.Auth.TokenIssuer)
	if err != nil {
		return err
	}
	limiter := httpapi.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	proxies, err := httpapi.ParseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	api := httpapi.New(httpapi.Deps{
		Policy:       policy,
		Directory:    dir,
		Platform:     pf,
		Audit:        auditLog,
		Undo:         undoCache,
		Session:      monitor,
		Stream:       events,
		Auth:         authn,
		Limiter:      limiter,
		Proxies:      proxies,
		Logger:       logger,
		Version:      version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	sched := scheduler.New(logger)
	jobs := []struct {
		every time.Duration
		name  string
		run   scheduler.Job
	}{
		{cfg.Session.Interval, "session_check", func(ctx context.Context) { monitor.Check(ctx) }},
		{cfg.Platform.RolesRefresh, "role_refresh", func(ctx context.Context) {
			if err := dir.Refresh(ctx); err != nil {
				logger.Warn("role refresh failed", slog.String("error", err.Error()))
			}
		}},
		{cfg.Audit.SweepInterval, "audit_sweep", func(context.Context) {
			if n := auditLog.Sweep(); n > 0 {
				logger.Debug("audit entries expired", slog.Int("removed", n))
			}
		}},
		{limiterCleanupInterval, "limiter_cleanup", func(context.Context) { limiter.Cleanup() }},
	}
	for _, j := range jobs {
		if err := sched.Every(j.every, j.name, j.run); err != nil {
			return err
		}
	}
	monitor.Check(ctx)
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	grpcSrv := httpapi.NewGRPCServer(monitor)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", slog.String("addr", srv.Addr), slog.String("version", version))
		var err error
		if cfg.Server.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", slog.String("addr", lis.Addr().String()))
			return grpcSrv.Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		grpcSrv.Stop()
		errs := []error{srv.Shutdown(shutdownCtx)}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("stopped")
	return err
}
