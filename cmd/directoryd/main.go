package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/config"
	"github.com/Wxyziii/P2P-ChatApp-sub000/internal/directory/server"
)

func main() {
	// Load configuration
	cfg := config.LoadServer()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Select the store: Postgres when DATABASE_URL is set, SQLite otherwise
	var store server.DataStore
	if cfg.DatabaseURL != "" {
		pg, err := server.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		store = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sq, err := server.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		store = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer store.Close()

	// Optional Redis presence cache
	var presence *server.Presence
	if cfg.RedisURL != "" {
		var err error
		presence, err = server.NewPresence(ctx, cfg.RedisURL, cfg.OnlineWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer presence.Close()
		logger.Info().Msg("connected to Redis")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.New(store, presence, logger, cfg.OnlineWindow).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting directory server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
