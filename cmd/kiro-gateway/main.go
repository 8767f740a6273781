// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/dispatch"
	"github.com/xilu0/kiro-gateway/internal/handler"
	"github.com/xilu0/kiro-gateway/internal/kiro"
	"github.com/xilu0/kiro-gateway/internal/store"
	"github.com/xilu0/kiro-gateway/pkg/middleware"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	logger.Info("starting Kiro gateway",
		"port", cfg.Port,
		"store", storeKind(cfg),
	)

	accountStore, err := buildStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize account store", "error", err)
		os.Exit(1)
	}

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Timeout:             cfg.KiroAPITimeout,
		RetryBaseDelay:      cfg.RetryBaseDelay,
		MaxRetries:          cfg.MaxUpstreamRetry,
		Logger:              logger,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Store:         accountStore,
		Client:        kiroClient,
		Logger:        logger,
		Cooldown:      cfg.Cooldown,
		RefreshBefore: cfg.RefreshBeforeExpiry,
		QuotaResetUTC: cfg.QuotaResetUTC,
	})

	// Background token reconciliation keeps accounts out of the inline
	// refresh path.
	reconcileCtx, stopReconcile := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-reconcileCtx.Done():
				return
			case <-ticker.C:
				dispatcher.ReconcileTokens(reconcileCtx)
			}
		}
	}()

	proxySettings := handler.NewProxySettings(true, cfg.Port, cfg.APIKey)

	messagesHandler := handler.NewMessagesHandler(handler.MessagesHandlerOptions{
		Dispatcher:     dispatcher,
		Logger:         logger,
		WarnTokens:     cfg.ContextWarnTokens,
		CriticalTokens: cfg.ContextCriticalTokens,
	})
	chatHandler := handler.NewChatHandler(handler.ChatHandlerOptions{
		Dispatcher:     dispatcher,
		Logger:         logger,
		WarnTokens:     cfg.ContextWarnTokens,
		CriticalTokens: cfg.ContextCriticalTokens,
	})
	countTokensHandler := handler.NewCountTokensHandler(logger)
	adminHandler := handler.NewAdminHandler(handler.AdminHandlerOptions{
		Store:      accountStore,
		Dispatcher: dispatcher,
		Settings:   proxySettings,
		Logger:     logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handler.Health)
	mux.HandleFunc("GET /v1/models", handler.Models)
	mux.Handle("POST /v1/messages", messagesHandler)
	mux.Handle("POST /v1/messages/count_tokens", countTokensHandler)
	mux.Handle("POST /v1/chat/completions", chatHandler)
	adminHandler.Register(mux)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(proxySettings.Key, logger)(httpHandler)
	httpHandler = middleware.CORS(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopReconcile()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	kiroClient.Close()
	if err := accountStore.Close(); err != nil {
		logger.Error("failed to close account store", "error", err)
	}

	logger.Info("server stopped")
}

// buildStore selects the account store backend: Redis when configured,
// otherwise the standalone token-file watcher.
func buildStore(cfg *config.Config, logger *slog.Logger) (store.AccountStore, error) {
	if cfg.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return store.NewRedisStore(ctx, store.RedisStoreOptions{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.RedisKeyPrefix,
			PoolSize:  cfg.RedisPoolSize,
			Timeout:   cfg.RedisTimeout,
			Logger:    logger,
		})
	}
	return store.NewFileStore(cfg.TokenFile, cfg.ClientFile, logger)
}

func storeKind(cfg *config.Config) string {
	if cfg.RedisURL != "" {
		return "redis"
	}
	return "file"
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
