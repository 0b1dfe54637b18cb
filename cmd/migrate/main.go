// Command migrate applies the embedded Postgres schema. Every statement is
// idempotent, so it is safe to run on each deploy.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--print" {
		fmt.Print(postgres.Schema)
		return
	}

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolOptions{MaxOpenConns: 1})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	if err := postgres.New(db).Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("Schema applied")
}
