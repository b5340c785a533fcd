package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dev-brewery/koinon-rms-sub006/internal/checkin"
	"github.com/dev-brewery/koinon-rms-sub006/internal/config"
	"github.com/dev-brewery/koinon-rms-sub006/internal/db"
	internalhttp "github.com/dev-brewery/koinon-rms-sub006/internal/http"
	"github.com/dev-brewery/koinon-rms-sub006/internal/jobs"
	"github.com/dev-brewery/koinon-rms-sub006/internal/metrics"
	"github.com/dev-brewery/koinon-rms-sub006/internal/pickup"
	"github.com/dev-brewery/koinon-rms-sub006/internal/ratelimit"
	"github.com/dev-brewery/koinon-rms-sub006/internal/securecode"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		limiter, err = ratelimit.NewRedis(redisClient, cfg.PickupMaxAttempts, cfg.PickupAttemptWindow)
		if err != nil {
			log.Fatalf("rate limiter init failed: %v", err)
		}
	} else {
		limiter = ratelimit.NewMemory(cfg.PickupMaxAttempts, cfg.PickupAttemptWindow)
	}

	codes, err := securecode.New(cfg.SecurityCodeLength)
	if err != nil {
		log.Fatalf("code generator init failed: %v", err)
	}

	checkins := checkin.NewService(store, codes)
	pickups := pickup.NewService(store)

	server := internalhttp.NewServer(cfg, store, checkins, pickups, limiter, metrics.New())
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartStaleCloseJob(ctx, cfg, store)

	go func() {
		log.Printf("checkin http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
