package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/metrics"
	"github.com/luciancaetano/shardgate/internal/rest"
	"github.com/luciancaetano/shardgate/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect every shard and stay online until interrupted",
	Long: `Spawns the configured shards, logs lifecycle notifications and serves
Prometheus metrics when metrics.addr is set. Request statistics go to Redis
when redis.addr is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func run(ctx context.Context) error {
	cc, err := cfg.ClientConfig()
	if err != nil {
		return err
	}
	cc.SetLogger(logger)

	reg := prometheus.NewRegistry()
	cc.SetMetrics(metrics.NewPrometheus(reg))

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		cc.REST.Stats = rest.NewRedisStatsStore(rdb,
			rest.WithStatsPrefix(cfg.Redis.Prefix),
			rest.WithStatsTTL(cfg.Redis.TTL),
		)
		logger.Info("request stats enabled", zap.String("redis", cfg.Redis.Addr))
	}

	client := session.New(cc)
	watch(client)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics server starting", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := client.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("start: %w", err)
		}
		<-ctx.Done()
		logger.Info("shutting down")
		return client.Stop(context.Background())
	})

	return g.Wait()
}

// watch logs the lifecycle notifications of client.
func watch(client *session.Client) {
	client.On(shardgate.NotifyReady, func(shardgate.Notification) {
		fields := []zap.Field{zap.Int("shards", len(client.Shards()))}
		if u := client.User(); u != nil {
			fields = append(fields, zap.String("user", u.Tag()))
		}
		logger.Info("all shards ready", fields...)
	})
	client.On(shardgate.NotifyShardReady, func(n shardgate.Notification) {
		logger.Info("shard ready", zap.Int("shard", n.Shard.ID()), zap.Duration("ping", n.Shard.Ping()))
	})
	client.On(shardgate.NotifyShardReconnect, func(n shardgate.Notification) {
		logger.Warn("shard reconnecting", zap.Int("shard", n.Shard.ID()), zap.Int("code", n.Code))
	})
	client.On(shardgate.NotifyShardClose, func(n shardgate.Notification) {
		logger.Warn("shard closed", zap.Int("shard", n.Shard.ID()), zap.Int("code", n.Code), zap.String("reason", n.Reason))
	})
	client.On(shardgate.NotifyShardError, func(n shardgate.Notification) {
		id := -1
		if n.Shard != nil {
			id = n.Shard.ID()
		}
		logger.Error("shard error", zap.Int("shard", id), zap.Error(n.Err))
	})
	client.On(shardgate.NotifyDestroyed, func(shardgate.Notification) {
		logger.Info("client destroyed")
	})
}
