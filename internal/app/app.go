package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/poglesbyg/tracseq-gateway/internal/config"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver"
	"github.com/poglesbyg/tracseq-gateway/internal/httpserver/deps"
	"github.com/poglesbyg/tracseq-gateway/internal/logger"
	"github.com/poglesbyg/tracseq-gateway/internal/monitoring"
	"github.com/poglesbyg/tracseq-gateway/internal/redis"
	"github.com/poglesbyg/tracseq-gateway/internal/sources/services"
	"github.com/poglesbyg/tracseq-gateway/internal/version"
)

type App struct {
	cfg     *config.Config
	logger  logger.Logger
	server  *httpserver.Server
	manager *monitoring.Manager
}

// New loads the routing table, connects Redis when configured and wires the
// gateway components. Nothing runs until Run.
func New(cfg *config.Config) (*App, error) {
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	resolver, err := services.LoadResolver(cfg.ServiceFile, services.MapperDefaults{
		RateLimit: cfg.RateLimitDefaultRPM,
		Burst:     cfg.RateLimitBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	loggerClient.Info("routing table loaded",
		logger.String("file", cfg.ServiceFile),
		logger.Int("services", len(resolver.Endpoints())))

	var opts []monitoring.Option
	if client := connectRedis(cfg, loggerClient); client != nil {
		opts = append(opts, monitoring.WithRedis(client))
	}

	manager, err := monitoring.New(cfg, resolver, loggerClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}

	d := deps.Deps{
		Logger:      loggerClient,
		Manager:     manager,
		StartTime:   time.Now(),
		ServiceName: cfg.ServiceName,
		Version:     version.Version,
		Commit:      version.Commit,
		BuildDate:   version.BuildDate,
		GoVersion:   version.GoVersion,
		TimeNow:     time.Now,
		AdminCIDRS:  cfg.AdminCIDRS,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
	}

	return &App{
		cfg:     cfg,
		logger:  loggerClient,
		server:  httpserver.New(cfg, loggerClient, d),
		manager: manager,
	}, nil
}

// connectRedis returns nil when Redis is not configured or unreachable: the
// gateway then keeps rate limit buckets in process.
func connectRedis(cfg *config.Config, log logger.Logger) goredis.UniversalClient {
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, rate limiting is process-local")
		return nil
	}

	log.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	client, err := redis.New(redis.ConnectOptions{
		Addrs:          cfg.RedisAddrs(),
		MasterName:     cfg.RedisMasterName,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		PoolSize:       cfg.RedisPoolSize,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}, log)
	if err != nil {
		log.Warn("redis unavailable, falling back to process-local rate limiting", logger.Error(err))
		return nil
	}
	log.Info("Redis initialized successfully")
	return client
}

// Run serves until SIGINT/SIGTERM, then drains in-flight requests before
// stopping the background tasks.
func (a *App) Run() error {
	a.logger.Infof("🚀 Starting %s %s on %s", a.cfg.ServiceName, version.Version, a.cfg.ListenPort)
	a.logger.Infof("%s %s", a.cfg.ServiceName, version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.manager.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop server", logger.Error(err))
	}
	if err := a.manager.Stop(shutdownCtx); err != nil {
		a.logger.Warn("failed to stop gateway components", logger.Error(err))
	}
	_ = a.logger.Sync()

	if runErr != nil {
		return runErr
	}
	a.logger.Infof("✅ %s stopped cleanly", a.cfg.ServiceName)
	return nil
}
