// Command server runs the public HTTP surface: tracking endpoints, provider
// and reply webhooks, campaign submission, the SSE observer stream, health
// and metrics. Dispatch happens in cmd/worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/reply"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/ignite/campaign-engine/internal/tracking"
	"github.com/ignite/campaign-engine/internal/webhook"
	"github.com/ignite/campaign-engine/internal/worker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	store := postgres.New(db)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	// Events reach local SSE subscribers through the relay, so every server
	// instance sees the same stream.
	hub := broadcast.NewHub(64)
	recorder := engagement.NewRecorder(store, broadcast.NewRedisPublisher(rdb))
	suppressions := suppression.NewService(store)
	processor := ingest.NewProcessor(recorder, suppressions)

	g, gctx := errgroup.WithContext(ctx)

	var queue ingest.Queue
	switch cfg.Ingest.Backend {
	case "sqs":
		q, err := ingest.DialSQS(ctx, cfg.Ingest.AWSRegion, cfg.Ingest.SQSQueueURL)
		if err != nil {
			return err
		}
		queue = q
	default:
		q := ingest.NewMemoryQueue(cfg.Ingest.Buffer, cfg.Ingest.Workers)
		queue = q
		g.Go(func() error {
			q.Run(gctx, processor.Handle)
			return nil
		})
	}

	fetcher := httpretry.New(&http.Client{Timeout: 10 * time.Second}, 3)
	var verifier *webhook.Verifier
	if cfg.Webhooks.VerifySignatures {
		verifier = webhook.NewVerifier(fetcher)
	} else {
		logger.Warn("webhook signature verification disabled")
	}

	jobs := worker.NewJobQueue(rdb, worker.JobQueueOptions{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase(),
		KeyTTL:      cfg.Dispatch.JobKeyTTL(),
	})

	backpressure := worker.NewBackpressureMonitor(jobs, cfg.Dispatch.MaxQueueDepth, 15*time.Second)
	g.Go(func() error {
		backpressure.Start(gctx)
		return nil
	})

	webhooks := webhook.NewHandler(queue, reply.NewDetector(store, recorder), webhook.Options{
		Verifier:      verifier,
		AutoConfirm:   cfg.Webhooks.AutoConfirm,
		Confirmer:     fetcher,
		AllowedTopics: cfg.Webhooks.AllowedTopicARNs,
	})

	router := api.NewRouter(api.Deps{
		Campaigns: campaign.NewService(store, jobs).WithGate(backpressure),
		Tracking:  tracking.NewHandler(queue, store, recorder, suppressions, cfg.Tracking.FallbackURL),
		Webhooks:  webhooks,
		Hub:       hub,
		Checks: map[string]api.Check{
			"database": store.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error { return broadcast.NewRelay(rdb, hub).Run(gctx) })
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr, "ingest", cfg.Ingest.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		webhooks.Wait()
		return err
	})
	return g.Wait()
}
