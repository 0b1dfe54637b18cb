// Command worker consumes campaign dispatch jobs, drains the SQS ingest
// queue when that backend is configured, and runs the recovery sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-engine/internal/broadcast"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/engagement"
	"github.com/ignite/campaign-engine/internal/service/suppression"
	"github.com/ignite/campaign-engine/internal/smtpgw"
	"github.com/ignite/campaign-engine/internal/tracking"
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
		logger.Error("worker exited", "err", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
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

	pub := broadcast.NewRedisPublisher(rdb)
	recorder := engagement.NewRecorder(store, pub)
	suppressions := suppression.NewService(store)

	jobs := worker.NewJobQueue(rdb, worker.JobQueueOptions{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BackoffBase: cfg.Dispatch.BackoffBase(),
		KeyTTL:      cfg.Dispatch.JobKeyTTL(),
	})

	gateway := smtpgw.New(store, smtpgw.Options{
		Timeouts: smtpgw.Timeouts{
			Connect:  cfg.SMTP.ConnectTimeout(),
			Greeting: cfg.SMTP.GreetingTimeout(),
			Socket:   cfg.SMTP.SocketTimeout(),
		},
		HeloName: cfg.SMTP.HeloName,
		PoolSize: cfg.SMTP.PoolSize,
		IdleTTL:  cfg.SMTP.IdleTTL(),
	})

	dispatcher := worker.NewDispatcher(store, gateway, tracking.NewInjector(store, cfg.Tracking.BaseURL),
		recorder, suppressions, pub, worker.DispatcherOptions{
			Pacer: worker.Chain(
				worker.TokenBucket(cfg.Dispatch.RatePerSecond, cfg.Dispatch.Burst),
				credentialCap(rdb, cfg.Dispatch.CredentialPerSecond),
			),
			Locks:         distlock.NewFactory(rdb, db, cfg.Dispatch.LockTTL()),
			LockRefresh:   cfg.Dispatch.LockTTL() / 3,
			ProgressEvery: cfg.Dispatch.ProgressEvery,
			Progress:      jobs,
		})

	pool := worker.NewPool(jobs, dispatcher, worker.PoolConfig{Workers: cfg.Dispatch.Workers})

	recovery := worker.NewRecoveryWorker(store, jobs,
		func(ctx context.Context, key string) (bool, error) { return distlock.Held(ctx, rdb, key) },
		recorder, pub, worker.RecoveryConfig{
			StuckSchedule:     cfg.Recovery.StuckSchedule,
			StaleAfter:        cfg.Recovery.StaleAfter(),
			ReconcileSchedule: cfg.Recovery.ReconcileSchedule,
			ReconcileWindow:   cfg.Recovery.ReconcileWindow(),
		})

	// With the memory backend the server applies signals itself.
	var signals *ingest.SQSQueue
	if cfg.Ingest.Backend == "sqs" {
		if signals, err = ingest.DialSQS(ctx, cfg.Ingest.AWSRegion, cfg.Ingest.SQSQueueURL); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dispatch pool starting", "workers", cfg.Dispatch.Workers,
			"rate_per_second", cfg.Dispatch.RatePerSecond)
		pool.Run(gctx)
		return nil
	})
	g.Go(func() error { return recovery.Start(gctx) })

	if signals != nil {
		processor := ingest.NewProcessor(recorder, suppressions)
		g.Go(func() error {
			signals.Run(gctx, processor.Handle)
			return nil
		})
	}

	return g.Wait()
}

func credentialCap(rdb *redis.Client, perSecond int) worker.PacerFunc {
	if perSecond <= 0 {
		return nil
	}
	return worker.CredentialCap(rdb, perSecond)
}
