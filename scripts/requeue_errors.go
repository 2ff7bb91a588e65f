package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"taskbridge/internal/database"

	"github.com/rs/zerolog"
)

// Clears error state on failed ledger rows and re-admits them to the slow
// queue. Run after an upstream outage instead of waiting for the stale-skew
// re-flag.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	var (
		dbPath = flag.String("db", "./data/taskbridge.db", "path to sqlite ledger")
	)
	flag.Parse()

	db, err := database.NewDB(*dbPath, &logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requeued, err := db.ResetErrors(ctx)
	if err != nil {
		return fmt.Errorf("reset errors: %w", err)
	}

	fmt.Printf("Done: requeued=%d\n", requeued)
	return nil
}
