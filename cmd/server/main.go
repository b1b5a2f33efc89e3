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

	"mentorhub/auth/internal/config"
	"mentorhub/auth/internal/db"
	authhttp "mentorhub/auth/internal/http"
	"mentorhub/auth/internal/ratelimit"
	"mentorhub/auth/internal/repository"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" || cfg.RefreshSecret == "" || cfg.InternalSecret == "" {
		log.Fatal("JWT_SECRET, REFRESH_SECRET and INTERNAL_SECRET must be set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	var attempts, pacing ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer client.Close()
		attempts = ratelimit.NewRedisLimiter(client, cfg.RateLimitAttempts, cfg.RateLimitWindow)
		pacing = ratelimit.NewRedisLimiter(client, 1, cfg.DevicePollInterval)
	} else {
		attempts = ratelimit.NewMemoryLimiter(cfg.RateLimitAttempts, cfg.RateLimitWindow)
		pacing = ratelimit.NewMemoryLimiter(1, cfg.DevicePollInterval)
	}

	store := repository.NewStore(pool)
	server := authhttp.NewServer(cfg, store, attempts, pacing)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("auth service listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
