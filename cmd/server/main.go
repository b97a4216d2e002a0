package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tenantauth/internal/api"
	"tenantauth/internal/auth"
	"tenantauth/internal/config"
	"tenantauth/internal/db"
	"tenantauth/internal/jobs"
	"tenantauth/internal/logger"
	"tenantauth/internal/notify"
	"tenantauth/internal/rate"
	"tenantauth/internal/service"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
	"tenantauth/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Output:      cfg.LogOutput,
		FilePath:    cfg.LogFile,
		Development: cfg.LogDevelopment,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, lg *zap.Logger) error {
	ctx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	v := version.Current()
	lg.Info("starting", zap.String("version", v.Version), zap.String("commit", v.Commit), zap.String("db_driver", cfg.DBDriver))

	sqdb, err := db.Open(ctx, db.Options{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DBDSN,
		Path:        cfg.DBPath,
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer sqdb.Close()
	db.SetLogger(lg.Named("migrate"))
	if err := db.Migrate(sqdb, cfg.DBDriver); err != nil {
		return err
	}
	if ver, err := db.SchemaVersion(sqdb, cfg.DBDriver); err == nil {
		lg.Info("schema ready", zap.Int64("version", ver))
	}
	st := store.New(sqdb, cfg.DBDriver)

	hasher, err := auth.NewHasher(cfg.TokenPepper)
	if err != nil {
		return err
	}
	words := service.DefaultWordlist()
	if cfg.WordlistPath != "" {
		if words, err = service.LoadWordlist(cfg.WordlistPath); err != nil {
			return err
		}
	}
	svc := service.New(st, hasher, auth.Argon2Verifier{}, service.Config{
		BackupCodeCount: cfg.BackupCodeCount,
		BackupCodeWords: cfg.BackupCodeWords,
		Wordlist:        words,
	}, lg.Named("service"))

	var budget rate.Budget = rate.NewMemory()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rc.Close()
		rb := rate.NewRedis(rc, "")
		if err := rb.Ping(ctx); err != nil {
			lg.Warn("redis unreachable at startup; budgets fail open until it returns", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		budget = rb
	}

	runner := jobs.NewRunner(st, jobs.Policy{
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutWindow:    cfg.LockoutWindow,
		IPBlockThreshold: cfg.IPBlockThreshold,
		IPBlockDuration:  cfg.IPBlockDuration,
		SanitizeAfter:    cfg.SanitizeAfter,
		PurgeAfter:       cfg.PurgeAfter,
	}, lg.Named("jobs"))
	sched := jobs.NewScheduler(runner, jobs.Intervals{
		Lockout:  cfg.LockoutInterval,
		Cleanup:  cfg.CleanupInterval,
		Deletion: cfg.CleanupInterval,
	}, lg.Named("jobs"))
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		sched.Run(ctx)
	}()

	h := api.NewRouter(api.Deps{
		Config:   cfg,
		Service:  svc,
		Resolver: tenant.NewResolver(st, hasher.Hash),
		Tokens:   hasher,
		Budget:   budget,
		Sender:   notify.NewSender(cfg.MailSender, cfg.SMTPHost, cfg.SMTPPort, cfg.MailFrom, cfg.VerifyBaseURL, lg.Named("notify")),
		Log:      lg.Named("http"),
	})
	hsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		lg.Info("shutting down")
	}
	cancelJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}
	select {
	case <-jobsDone:
	case <-shutdownCtx.Done():
		lg.Warn("jobs still running at shutdown deadline")
	}
	return nil
}
