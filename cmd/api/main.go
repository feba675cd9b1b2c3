package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zmooth/zmooth-api/internal/app"
	"github.com/zmooth/zmooth-api/internal/config"
	"github.com/zmooth/zmooth-api/internal/domain/catalog"
	"github.com/zmooth/zmooth-api/internal/domain/entitlement"
	"github.com/zmooth/zmooth-api/internal/domain/payment"
	"github.com/zmooth/zmooth-api/internal/domain/realtime"
	"github.com/zmooth/zmooth-api/internal/domain/session"
	"github.com/zmooth/zmooth-api/internal/domain/wallet"
	"github.com/zmooth/zmooth-api/internal/middleware"
	"github.com/zmooth/zmooth-api/internal/pkg/jwt"
	"github.com/zmooth/zmooth-api/internal/pkg/logger"
	"github.com/zmooth/zmooth-api/internal/pkg/metrics"
	pkgresponse "github.com/zmooth/zmooth-api/internal/pkg/response"
)

const version = "1.0.0"

func main() {
	cfg := config.Load()
	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "api"}); err != nil {
		log.Fatal().Err(err).Msg("Failed to init logger")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Str("ledger", cfg.LedgerDriver).
		Msg("Starting zmooth API")

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start")
	}
	defer a.Close()

	go a.Hub.Run()

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	defer limiter.Close()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(a, jwtService, limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // STK initiation waits up to PAYMENT_TIMEOUT
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newRouter(a *app.App, jwtService *jwt.Service, limiter *middleware.RateLimiter) http.Handler {
	cfg := a.Config

	catalogHandler := catalog.NewHandler(a.Store)
	entitlementHandler := entitlement.NewHandler(a.Activator)
	sessionHandler := session.NewHandler(a.Sessions)
	walletHandler := wallet.NewHandler(a.Wallets)
	paymentHandler := payment.NewHandler(a.Payments, cfg.MpesaCallbackToken)
	wsHandler := realtime.NewHandler(a.Hub, jwtService, cfg.AllowedOrigins)

	authMiddleware := middleware.Auth(jwtService)
	nasAuth := middleware.NASAuth(cfg.NASSharedSecret)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		active, err := a.Sessions.CountActive(r.Context())
		if err != nil {
			pkgresponse.JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "degraded",
				"version": version,
			})
			return
		}
		pkgresponse.OK(w, map[string]interface{}{
			"status":          "ok",
			"version":         version,
			"active_sessions": active,
		})
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", wsHandler.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(limiter.Middleware)

		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/plans", catalogHandler.Routes())
		r.Mount("/purchases", paymentHandler.Routes(authMiddleware))
		r.Mount("/vouchers", paymentHandler.VoucherRoutes(authMiddleware))
		r.Mount("/entitlements", entitlementHandler.Routes(authMiddleware))
		r.Mount("/sessions", sessionHandler.Routes(authMiddleware))
		r.Mount("/wallet", walletHandler.Routes(authMiddleware))
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Mount("/vouchers", paymentHandler.AdminRoutes(authMiddleware))
		r.Mount("/entitlements", entitlementHandler.AdminRoutes(authMiddleware))
		r.Mount("/sessions", sessionHandler.AdminRoutes(authMiddleware))
		r.Mount("/wallet", walletHandler.AdminRoutes(authMiddleware))
	})

	// accounting bridge, called by the gateway for every attach and interim update
	r.Mount("/nas/v1/sessions", sessionHandler.NASRoutes(nasAuth))

	r.Mount("/webhooks", paymentHandler.WebhookRoutes())

	return r
}
