// Command tracking runs only the public edge: pixel, link and unsubscribe
// endpoints plus the provider and reply webhooks. Signals go to SQS and
// are applied by cmd/worker, so this process can scale out on its own.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ignite/campaign-engine/internal/api"
	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/httpretry"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/reply"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/ignite/campaign-engine/internal/tracking"
	"github.com/ignite/campaign-engine/internal/webhook"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Ingest.Backend != "sqs" || cfg.Ingest.SQSQueueURL == "" {
		log.Fatal("the tracking edge requires INGEST_BACKEND=sqs and SQS_QUEUE_URL")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(cfg.Logging.Redact())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	store := postgres.New(db)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	queue, err := ingest.DialSQS(ctx, cfg.Ingest.AWSRegion, cfg.Ingest.SQSQueueURL)
	if err != nil {
		log.Fatalf("sqs: %v", err)
	}

	// Unsubscribe and replies are recorded synchronously.
	recorder := engagement.NewRecorder(store, broadcast.NewRedisPublisher(rdb))
	suppressions := suppression.NewService(store)
	fetcher := httpretry.New(&http.Client{Timeout: 10 * time.Second}, 3)
	var verifier *webhook.Verifier
	if cfg.Webhooks.VerifySignatures {
		verifier = webhook.NewVerifier(fetcher)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", api.HealthHandler(map[string]api.Check{"database": store.Ping}))
	tracking.NewHandler(queue, store, recorder, suppressions, cfg.Tracking.FallbackURL).Mount(r)
	webhooks := webhook.NewHandler(queue, reply.NewDetector(store, recorder), webhook.Options{
		Verifier:      verifier,
		AutoConfirm:   cfg.Webhooks.AutoConfirm,
		Confirmer:     fetcher,
		AllowedTopics: cfg.Webhooks.AllowedTopicARNs,
	})
	webhooks.Mount(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("tracking edge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down tracking edge")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	webhooks.Wait()
}
