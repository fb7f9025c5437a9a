package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ms-reservations/internal/app"
	"ms-reservations/internal/config"
	"ms-reservations/internal/logger"
	"ms-reservations/internal/webhook"

	"github.com/gin-gonic/gin"
)

func main() {
	log := logger.NewLogger("payment-webhook")
	defer log.Close()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("CONFIG", err.Error())
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if cfg.Stripe.WebhookSecret == "" {
		log.Fatal("CONFIG", "STRIPE_WEBHOOK_SECRET not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Failed to initialize: %v", err))
	}
	defer a.Close()

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:         cfg.Server.WebhookPort,
		Handler:      webhook.NewHandler(a.Reconciler, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Payment webhook listening on %s", cfg.Server.WebhookPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP", fmt.Sprintf("HTTP server error: %v", err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
}
