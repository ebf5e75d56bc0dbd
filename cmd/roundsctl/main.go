// Command roundsctl inspects the round schedule and the real book from a
// terminal.
//
//	roundsctl schedule -n 4
//	roundsctl instances -duration 5m -limit 20
//	roundsctl reconcile
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/db"
	"github.com/ayo6706/minority-rounds/internal/domain"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/models"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/repository"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "schedule":
		err = runSchedule(os.Args[2:])
	case "instances":
		err = runInstances(ctx, os.Args[2:])
	case "reconcile":
		err = runReconcile(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "roundsctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: roundsctl <schedule|instances|reconcile> [flags]")
}

func runSchedule(args []string) error {
	fs := flag.NewFlagSet("schedule", flag.ExitOnError)
	n := fs.Int("n", 3, "windows per duration")
	cutoff := fs.Duration("cutoff", rounds.DefaultFreezeCutoff, "betting cutoff before window end")
	at := fs.String("at", "", "RFC3339 reference time (default now)")
	_ = fs.Parse(args)

	from := time.Now().UTC()
	if *at != "" {
		t, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("parse -at: %w", err)
		}
		from = t.UTC()
	}
	return renderSchedule(os.Stdout, *cutoff, from, *n)
}

func runInstances(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("instances", flag.ExitOnError)
	durationFlag := fs.String("duration", "20m", "track duration (5m, 10m, 20m)")
	limit := fs.Int("limit", 10, "settled instances to show")
	_ = fs.Parse(args)

	d, err := domain.ParseDuration(*durationFlag)
	if err != nil {
		return err
	}
	dbPool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	q := repository.NewStore(dbPool).Queries()
	latest, err := q.LatestInstance(ctx, d)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("latest instance: %w", err)
	}
	settled, err := q.ListSettledInstances(ctx, d, *limit, 0)
	if err != nil {
		return fmt.Errorf("list settled instances: %w", err)
	}
	instances := settled
	if latest != nil && latest.Status != domain.InstanceStatusSettled {
		instances = append([]models.MarketInstance{*latest}, settled...)
	}
	return renderInstances(os.Stdout, instances)
}

func runReconcile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	_ = fs.Parse(args)

	dbPool, err := connect(ctx)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	st := repository.NewStore(dbPool)
	l := ledger.New(st, accounts.NewPostgresDirectory(dbPool), false)
	realBook := book.New(st, l, pool.NewAggregator(st, nil))

	reports, err := service.NewReconciliationService(realBook).Run(ctx)
	if err != nil {
		return err
	}
	return renderReconciliation(os.Stdout, reports)
}

func connect(ctx context.Context) (*pgxpool.Pool, error) {
	url := os.Getenv("ROUNDS_DATABASE_URL")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return db.Connect(ctx, url, 2)
}
