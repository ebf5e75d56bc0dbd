package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/minority-rounds/internal/accounts"
	"github.com/ayo6706/minority-rounds/internal/affiliate"
	"github.com/ayo6706/minority-rounds/internal/alert"
	"github.com/ayo6706/minority-rounds/internal/api"
	"github.com/ayo6706/minority-rounds/internal/api/middleware"
	"github.com/ayo6706/minority-rounds/internal/archive"
	"github.com/ayo6706/minority-rounds/internal/betting"
	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/broadcast"
	"github.com/ayo6706/minority-rounds/internal/clock"
	"github.com/ayo6706/minority-rounds/internal/config"
	"github.com/ayo6706/minority-rounds/internal/db"
	"github.com/ayo6706/minority-rounds/internal/gateway"
	"github.com/ayo6706/minority-rounds/internal/idempotency"
	"github.com/ayo6706/minority-rounds/internal/ledger"
	"github.com/ayo6706/minority-rounds/internal/memstore"
	"github.com/ayo6706/minority-rounds/internal/observability"
	"github.com/ayo6706/minority-rounds/internal/pool"
	"github.com/ayo6706/minority-rounds/internal/repository"
	"github.com/ayo6706/minority-rounds/internal/rounds"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/ayo6706/minority-rounds/internal/settlement"
	"github.com/ayo6706/minority-rounds/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	hubBuffer       = 64
	livePoolsTTL    = 2 * time.Hour
	shutdownTimeout = 30 * time.Second
)

// Run bootstraps the HTTP server, the round scheduler and the background
// workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := db.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbPool.Close()
	if err := db.Migrate(ctx, dbPool); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	clk := clock.System{}
	dir := accounts.NewPostgresDirectory(dbPool)

	realStore := repository.NewStore(dbPool)
	realLedger := ledger.New(realStore, dir, false,
		ledger.WithClock(clk),
		ledger.WithDailyWithdrawalCap(cfg.DailyWithdrawalCap),
	)
	realLedger.AddHook(affiliate.NewService(realLedger, dir, cfg.AffiliateShare))
	books := book.Set{
		Real: book.New(realStore, realLedger,
			pool.NewAggregator(realStore, pool.NewRedisCounters(redisClient, "pools:real", livePoolsTTL))),
	}
	if cfg.DemoEnabled {
		demoStore := memstore.New()
		demoLedger := ledger.New(demoStore, dir, true,
			ledger.WithClock(clk),
			ledger.WithDemoStartingBalance(cfg.DemoStartingBalance),
		)
		books.Demo = book.New(demoStore, demoLedger, pool.NewAggregator(demoStore, nil))
	}

	// Events go through Redis so every node's websocket clients see the
	// same feed; the relay delivers them to the local hub.
	hub := broadcast.NewHub(hubBuffer)
	defer hub.Close()
	publisher := broadcast.NewRedisPublisher(redisClient, broadcast.DefaultChannel)
	relay := broadcast.NewRelay(redisClient, broadcast.DefaultChannel, hub)

	notifier := alert.New(cfg.TelegramBotToken, cfg.TelegramChatID)
	resolver := settlement.NewResolver(cfg.PayoutMultiplier, clk, publisher, notifier)
	scheduler := rounds.NewScheduler(clk, books, resolver, cfg.BettingCutoff,
		rounds.WithLocker(rounds.NewRedisLocker(redisClient), 0),
		rounds.WithPublisher(publisher),
	)
	bets := betting.NewService(books, dir, clk, betting.Limits{
		Min:         cfg.MinBet,
		MaxStandard: cfg.MaxBetStandard,
		MaxPremium:  cfg.MaxBetPremium,
	})

	payoutRate := rate.Inf
	if cfg.WithdrawalRatePerSec > 0 {
		payoutRate = rate.Limit(cfg.WithdrawalRatePerSec)
	}
	withdrawalSvc := service.NewWithdrawalService(realLedger, gateway.NewMockGateway(), rate.NewLimiter(payoutRate, 1))
	reconciliationSvc := service.NewReconciliationService(books.All()...)
	webhookSvc := service.NewWebhookService(realLedger, cfg.WebhookHMACKey, cfg.WebhookSkipSignature)

	stopRounds := worker.NewRoundWorker(scheduler).WithInterval(cfg.TickInterval).Run(ctx)
	defer stopRounds()
	stopWithdrawals := worker.NewWithdrawalWorker(withdrawalSvc).
		WithPollInterval(cfg.WithdrawalPollInterval).
		WithBatchSize(cfg.WithdrawalBatchSize).
		Run(ctx)
	defer stopWithdrawals()
	stopReconciliation := worker.NewReconciliationWorker(reconciliationSvc, notifier).WithInterval(cfg.ReconciliationInterval).Run(ctx)
	defer stopReconciliation()
	logger.Info("workers started",
		zap.Duration("tick_interval", cfg.TickInterval),
		zap.Duration("withdrawal_poll_interval", cfg.WithdrawalPollInterval),
		zap.Duration("reconciliation_interval", cfg.ReconciliationInterval))

	if cfg.ArchiveBucket != "" {
		job, err := newArchiveJob(ctx, cfg, clk, books)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		job.Start()
		defer job.Stop()
		logger.Info("archive job scheduled", zap.String("cron", cfg.ArchiveCron), zap.String("bucket", cfg.ArchiveBucket))
	}

	router := api.NewRouter(cfg, logger, api.Dependencies{
		DB:          dbPool,
		Redis:       redisClient,
		Idempotency: idempotency.NewStore(redisClient, dbPool, cfg.IdempotencyTTL),
		Books:       books,
		Bets:        bets,
		Webhooks:    webhookSvc,
		Voider:      resolver,
		Stream:      hub.ServeWS,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func newArchiveJob(ctx context.Context, cfg *config.Config, clk clock.Clock, books book.Set) (*archive.Job, error) {
	writer, err := archive.NewS3Writer(ctx, archive.S3Config{
		Endpoint:       cfg.ArchiveEndpoint,
		Region:         cfg.ArchiveRegion,
		Bucket:         cfg.ArchiveBucket,
		AccessKey:      cfg.ArchiveAccessKey,
		SecretKey:      cfg.ArchiveSecretKey,
		UseSSL:         !strings.HasPrefix(cfg.ArchiveEndpoint, "http://"),
		ForcePathStyle: cfg.ArchiveEndpoint != "",
		Prefix:         cfg.ArchivePrefix,
	})
	if err != nil {
		return nil, err
	}
	// Demo history lives in memory only and is not archived.
	return archive.NewJob(archive.NewArchiver(writer, books.Real), clk, cfg.ArchiveCron)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
