package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fiscalbridge/backend/internal/cache"
	"fiscalbridge/backend/internal/config"
	"fiscalbridge/backend/internal/httpapi"
	"fiscalbridge/backend/internal/service"
	"fiscalbridge/backend/internal/store"
	"fiscalbridge/backend/internal/store/memory"
	pgstore "fiscalbridge/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	statusCache := cache.JobStatusCache(cache.NoopJobStatusCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisJobStatusCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			statusCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("status cache: redis")
		}
	} else {
		log.Println("status cache: noop")
	}

	svc := service.New(repo, statusCache, cfg)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runSweeper(sweepCtx, svc, time.Duration(cfg.SweepIntervalSeconds)*time.Second)

	go func() {
		log.Printf("fiscal bridge backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweep()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// runSweeper periodically fails processing jobs whose bridge agent never
// reported back. The same operation is reachable via the admin sweep
// endpoint for on-demand runs.
func runSweeper(ctx context.Context, svc *service.Service, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, svc)
		}
	}
}

func sweepOnce(ctx context.Context, svc *service.Service) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := svc.SweepTimeouts(runCtx)
	if err != nil {
		log.Printf("sweep error: %v", err)
		return
	}
	if len(resp.TimedOut) > 0 {
		log.Printf("sweep failed %d stuck job(s)", len(resp.TimedOut))
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.BridgeTokenSalt) < 16 {
		return fmt.Errorf("BRIDGE_TOKEN_SALT must be set and at least 16 characters")
	}
	return nil
}
