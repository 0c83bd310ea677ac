package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Tris860/webServer/internal/config"
	"github.com/Tris860/webServer/internal/directory"
	"github.com/Tris860/webServer/internal/forwarder"
	"github.com/Tris860/webServer/internal/gateway"
	"github.com/Tris860/webServer/internal/httpapi"
	"github.com/Tris860/webServer/internal/logging"
	"github.com/Tris860/webServer/internal/mqtt"
	"github.com/Tris860/webServer/internal/notify"
	"github.com/Tris860/webServer/internal/observability"
	"github.com/Tris860/webServer/internal/poller"
	"github.com/Tris860/webServer/internal/ratelimit"
	"github.com/Tris860/webServer/internal/realtime"
	"github.com/Tris860/webServer/internal/statusbridge"
)

func main() {
	cfgPath := "config/relay.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	logging.Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("config loaded", "listen", cfg.ListenAddr, "server_b", cfg.ServerBURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, promHandler, tracer := observability.SetupObservability(ctx)
	defer shutdown()

	if cfg.DirectoryURL == "" {
		slog.Warn("directory_url not set; every session will be unbound")
	}
	dir := directory.New(cfg.DirectoryURL, cfg.DirectoryAction, &http.Client{Timeout: cfg.LookupTimeout})
	fwd := forwarder.New(cfg.ServerBURL, cfg.CommandTimeout)
	reg := realtime.NewRegistry(dir)
	status := notify.New(reg)

	var limiter *ratelimit.Limiter
	if rdb := setupRedisClient(ctx, cfg); rdb != nil {
		defer rdb.Close()
		limiter = ratelimit.New(rdb, "relay", ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst})
	}

	if cfg.MQTT.BrokerURL != "" {
		cli, err := mqtt.New(cfg.MQTT.BrokerURL, "relay-gateway")
		if err != nil {
			slog.Error("mqtt unavailable; status bridge disabled", "error", err)
		} else {
			defer cli.Close()
			if err := statusbridge.New(cli, cfg.MQTT.StatusTopic, status).Start(ctx); err != nil {
				slog.Error("status bridge subscribe failed", "error", err)
			}
		}
	}

	var p *poller.Poller
	if cfg.SchedulerURL != "" {
		p = poller.New(poller.Options{
			SchedulerURL: cfg.SchedulerURL,
			Interval:     cfg.PollInterval,
			Timeout:      cfg.PollTimeout,
		}, dir, fwd, reg)
		if err := p.Start(ctx); err != nil {
			slog.Error("failed to start poller", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("scheduler_url not set; automatic trigger disabled")
	}

	handler := httpapi.NewRouter(httpapi.Deps{
		Sessions:       gateway.New(dir, fwd, reg, cfg.AllowedOrigins),
		Status:         status,
		Metrics:        promHandler,
		Tracer:         tracer,
		Limiter:        limiter,
		CallbackSecret: cfg.Callback.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		slog.Info("relay gateway starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p != nil {
		select {
		case <-p.Stop().Done():
		case <-shutdownCtx.Done():
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	} else {
		slog.Info("server shut down gracefully", "open_connections", reg.Count())
	}
}

// setupRedisClient returns nil when rate limiting is off or Redis is not
// configured. An unreachable Redis is logged; the limiter fails open.
func setupRedisClient(ctx context.Context, cfg *config.Config) *redis.Client {
	if !cfg.RateLimit.Enabled || cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if pong, err := client.Ping(pingCtx).Result(); err != nil {
		slog.Warn("redis not reachable; rate limiter will fail open", "addr", cfg.Redis.Addr, "error", err)
	} else {
		slog.Info("connected to redis", "pong", pong)
	}
	return client
}
