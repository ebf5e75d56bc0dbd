package api

import (
	"net/http"

	"github.com/ayo6706/minority-rounds/internal/api/handler"
	"github.com/ayo6706/minority-rounds/internal/api/middleware"
	"github.com/ayo6706/minority-rounds/internal/api/openapi"
	"github.com/ayo6706/minority-rounds/internal/betting"
	"github.com/ayo6706/minority-rounds/internal/book"
	"github.com/ayo6706/minority-rounds/internal/config"
	"github.com/ayo6706/minority-rounds/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Dependencies are the services the HTTP surface fronts.
type Dependencies struct {
	DB          handler.Pinger
	Redis       redis.Cmdable
	Idempotency middleware.Recorder
	Books       book.Set
	Bets        *betting.Service
	Webhooks    *service.WebhookService
	Voider      handler.Voider
	// Stream serves the websocket feed; nil disables /v1/ws.
	Stream http.HandlerFunc
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Dependencies
}

func NewRouter(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger, deps: deps}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.deps.DB, api.deps.Redis)
	webhookHandler := handler.NewWebhookHandler(api.deps.Webhooks)
	instanceHandler := handler.NewInstanceHandler(api.deps.Bets)
	betHandler := handler.NewBetHandler(api.deps.Bets)
	walletHandler := handler.NewWalletHandler(api.deps.Books)
	adminHandler := handler.NewAdminHandler(api.deps.Books, api.deps.Voider)

	// Idempotency is optional so handlers can be served without Postgres.
	idempotent := func(next http.Handler) http.Handler { return next }
	if api.deps.Idempotency != nil {
		idempotent = middleware.IdempotencyMiddleware(api.deps.Idempotency, api.logger)
	}

	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", openapi.Handler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/webhooks/deposits", webhookHandler.HandleDepositWebhook)
		// Browsers cannot attach headers to a websocket upgrade; the feed
		// carries no per-user data.
		if api.deps.Stream != nil {
			r.Get("/v1/ws", api.deps.Stream)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/instances/open", instanceHandler.GetOpen)
		r.Get("/v1/instances/history", instanceHandler.History)

		r.With(idempotent).Post("/v1/bets", betHandler.PlaceBet)
		r.Delete("/v1/bets/{id}", betHandler.CancelBet)
		r.Get("/v1/bets", betHandler.ListBets)

		r.Get("/v1/wallet", walletHandler.GetWallet)
		r.Get("/v1/wallet/transactions", walletHandler.ListTransactions)
		r.With(idempotent).Post("/v1/wallet/withdrawals", walletHandler.Withdraw)
		r.With(idempotent).Post("/v1/wallet/transfers", walletHandler.Transfer)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Post("/v1/admin/wallets/{userID}", adminHandler.OpenWallet)
			r.Post("/v1/admin/instances/{id}/void", adminHandler.VoidInstance)
		})
	})

	return r
}
