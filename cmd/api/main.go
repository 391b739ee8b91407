package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taxdesk.org/internal/audit"
	"taxdesk.org/internal/auth"
	"taxdesk.org/internal/config"
	"taxdesk.org/internal/gate"
	"taxdesk.org/internal/grpcapi"
	"taxdesk.org/internal/httpapi"
	"taxdesk.org/internal/obs"
	"taxdesk.org/internal/ratelimit"
	"taxdesk.org/internal/rbac"
	"taxdesk.org/internal/store/memory"
	"taxdesk.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type stores interface {
	auth.UserStore
	rbac.Store
}

func main() {
	cfgPath := flag.String("config", os.Getenv("TAXDESK_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.Version == "dev" {
		cfg.App.Version = version
	}

	logger, err := obs.NewLogger(cfg.Log.AsLoggerConfig(cfg.App))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	// Регистрация метрик и build info
	obs.Init()
	obs.InitBuildInfo(cfg.App.Version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Хранилище: Postgres при наличии DSN, иначе память
	var (
		store stores
		ready httpapi.ReadyChecker
	)
	if cfg.DB.DSN != "" {
		pgStore, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
		})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer pgStore.Close()
		store, ready = pgStore, pgStore
	} else {
		logger.Warn("db.dsn is empty, using in-memory store")
		store = memory.New()
	}

	codec, err := auth.NewCodec(cfg.Auth.Secret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(store, codec)
	if err != nil {
		return err
	}
	auditLog := audit.New(logger)
	rbacSvc, err := rbac.NewService(store, rbac.WithAudit(auditLog))
	if err != nil {
		return err
	}

	limiter, err := newLimiter(cfg, logger)
	if err != nil {
		return err
	}
	limiter.Start(ctx)
	defer limiter.Close()

	g, err := gate.New(codec,
		gate.WithCookieNames(cfg.Auth.AccessCookie, cfg.Auth.RefreshCookie),
		gate.WithSecureCookies(cfg.Auth.CookieSecure),
		gate.WithLoginPath(cfg.Auth.LoginPath),
		gate.WithLogger(logger.Named("gate")),
	)
	if err != nil {
		return err
	}

	trusted, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	flood := httpapi.NewFloodGuard(cfg.Server.FloodBurst, cfg.Server.FloodPerSecond)
	defer flood.Close()

	api, err := httpapi.New(httpapi.Deps{
		Auth:    authSvc,
		RBAC:    rbacSvc,
		Gate:    g,
		Limiter: limiter,
		Flood:   flood,
		Audit:   auditLog,
		Logger:  logger.Named("http"),
		Ready:   ready,
	},
		httpapi.WithVersion(cfg.App.Version),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithTrustedProxies(trusted...),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	guard, err := grpcapi.NewGuard(codec, limiter, grpcapi.WithLogger(logger.Named("grpc")))
	if err != nil {
		return err
	}
	grpcSrv := grpcapi.NewServer(guard)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", cfg.App.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.Server.GRPCAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// graceful shutdown
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	grpcSrv.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func newLimiter(cfg *config.Config, logger *zap.Logger) (*ratelimit.Limiter, error) {
	opts := []ratelimit.Option{
		ratelimit.WithSweepInterval(cfg.RateLimit.SweepInterval),
		ratelimit.WithLogger(logger.Named("ratelimit")),
	}
	for name, rule := range cfg.RateLimit.Rules {
		opts = append(opts, ratelimit.WithRule(ratelimit.Category(name), rule))
	}
	if cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store, err := ratelimit.NewRedisStore(client, cfg.Redis.KeyPrefix)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ratelimit.WithStore(store))
	}
	return ratelimit.New(opts...)
}
