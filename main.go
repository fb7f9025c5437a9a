package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-reservations/internal/api"
	"ms-reservations/internal/app"
	"ms-reservations/internal/auth"
	"ms-reservations/internal/config"
	"ms-reservations/internal/expiry"
	"ms-reservations/internal/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.NewLogger("reservations")
	defer log.Close()

	log.Info("APP", "Starting Reservation Service initialization")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Failed to initialize: %v", err))
	}
	defer a.Close()

	var operatorAuth func(http.Handler) http.Handler
	if cfg.Auth.OIDCIssuer != "" {
		operatorAuth, err = auth.Middleware(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.ClientID, log)
		if err != nil {
			log.Fatal("AUTH", err.Error())
		}
		log.Info("AUTH", "OIDC middleware applied to operator routes")
	} else {
		log.Warn("AUTH", "OIDC_ISSUER not set; operator routes are unauthenticated")
	}

	handler := &api.Handler{
		Checkout:     a.Checkout,
		Assigner:     a.Assigner,
		Cancellation: a.Cancellation,
		Readiness:    a.Readiness,
		Sweeper:      a.Sweeper,
		Logger:       log,
		Gatherer:     a.Registry,

		AllowedOrigins: cfg.Server.CORSOrigins,
	}

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handler.Routes(operatorAuth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	expiry.EnableNotifications(ctx, a.Redis, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP", fmt.Sprintf("Reservation Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return expiry.Listen(gctx, a.Redis, a.Sweeper, log)
	})
	g.Go(func() error {
		return a.Sweeper.Run(gctx, cfg.Reservation.SweepInterval, cfg.Reservation.SweepLimit)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("APP", fmt.Sprintf("Service stopped with error: %v", err))
		a.Close()
		log.Close()
		os.Exit(1)
	}
	log.Info("HTTP", "Reservation Service shutdown complete")
}
