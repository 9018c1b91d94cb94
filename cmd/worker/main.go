package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelforge/forge3d/internal/config"
	"github.com/modelforge/forge3d/internal/download"
	"github.com/modelforge/forge3d/internal/notify"
	"github.com/modelforge/forge3d/internal/poller"
	"github.com/modelforge/forge3d/internal/provider"
	"github.com/modelforge/forge3d/internal/ratelimit"
	"github.com/modelforge/forge3d/internal/store"
	"github.com/modelforge/forge3d/internal/telemetry"
	"github.com/modelforge/forge3d/internal/thumbs"
)

func main() {
	cfg := config.Load()

	interval := flag.Int("interval", int(cfg.PollInterval/time.Second), "seconds between poll ticks")
	iterations := flag.Int("iterations", 0, "number of ticks to run (0 = run forever)")
	flag.Parse()
	if *interval > 0 {
		cfg.PollInterval = time.Duration(*interval) * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		log.Fatalf("postgres unreachable: %v", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.ProviderRateCapacity, cfg.ProviderRateRefill, cfg.RateLimitTTL)

	mirror, err := download.NewS3Mirror(ctx, cfg)
	if err != nil {
		log.Fatalf("init s3 mirror: %v", err)
	}

	// A nil *S3Mirror must not become a non-nil interface value.
	var mirrorIface download.Mirror
	if mirror != nil {
		mirrorIface = mirror
	}
	dl := download.New(cfg, mirrorIface, thumbs.New(cfg))

	var notifier poller.Notifier
	if n := notify.New(cfg.NotifyURL); n != nil {
		notifier = n
	}

	p := poller.New(cfg, st, provider.New(cfg), dl, limiter, notifier)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with interval=%s pool=%d provider=%s", cfg.PollInterval, cfg.WorkerPoolSize, cfg.ProviderBaseURL)
	if err := p.Run(ctx, *iterations); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
