package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/NikhilSetiya/usage-governor/internal/app"
	"github.com/NikhilSetiya/usage-governor/pkg/config"
	"github.com/NikhilSetiya/usage-governor/pkg/logging"
)

func main() {
	// A missing .env is fine; the environment wins either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	governord, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize usage governor: %v", err)
	}
	logger := governord.Logger
	logging.SetGlobalLogger(logger)

	if err := governord.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start usage governor: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      governord.Router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting usage governor", "addr", server.Addr, "store", cfg.Ledger.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down usage governor")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if err := governord.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Usage governor did not shut down cleanly")
	}

	logger.Info("Usage governor exited")
}
