// Command suppression inspects and edits the global suppression list.
//
//	suppression check <email>
//	suppression add <email> [reason]
//	suppression remove <email>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
	"github.com/ignite/campaign-engine/internal/service/suppression"
)

func main() {
	if len(os.Args) < 3 {
		usage()
	}
	cmd, email := os.Args[1], os.Args[2]

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fail("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		fail("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		fail("connect: %v", err)
	}
	defer db.Close()
	svc := suppression.NewService(postgres.New(db))

	switch cmd {
	case "check":
		ok, err := svc.IsSuppressed(ctx, email)
		if err != nil {
			fail("check: %v", err)
		}
		if ok {
			fmt.Printf("%s is suppressed\n", email)
			return
		}
		fmt.Printf("%s is not suppressed\n", email)
	case "add":
		reason := domain.SuppressUnsubscribe
		if len(os.Args) > 3 {
			reason = os.Args[3]
		}
		if err := svc.Suppress(ctx, email, reason, "cli"); err != nil {
			fail("add: %v", err)
		}
		fmt.Printf("%s suppressed (%s)\n", email, reason)
	case "remove":
		err := svc.Remove(ctx, email)
		if errors.Is(err, suppression.ErrNotFound) {
			fmt.Printf("%s was not suppressed\n", email)
			return
		}
		if err != nil {
			fail("remove: %v", err)
		}
		fmt.Printf("%s removed\n", email)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: suppression check|add|remove <email> [reason]")
	os.Exit(2)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
