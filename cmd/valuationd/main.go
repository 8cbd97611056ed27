package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whiteforrest/equipment-valuator/internal/common"
	"github.com/whiteforrest/equipment-valuator/internal/ingest"
	"github.com/whiteforrest/equipment-valuator/internal/llm/anthropic"
	"github.com/whiteforrest/equipment-valuator/internal/server"
	"github.com/whiteforrest/equipment-valuator/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig(logger)
	if err := cfg.Validate(); err != nil {
		// Config failures must be actionable, not a stack trace.
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var archive *store.Archive
	if cfg.Archive.Path != "" {
		var err error
		archive, err = store.Open(ctx, cfg.Archive.Path, logger)
		if err != nil {
			logger.Error("archive open failed", "path", cfg.Archive.Path, "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("archive close error", "error", err)
			}
		}()
	} else {
		logger.Info("archive disabled; set ARCHIVE_PATH to enable caching and report history")
	}

	valuator := anthropic.NewClient(anthropic.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Timeout:      cfg.LLM.Timeout,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
	}, logger)

	svc := server.NewService(cfg, ingest.NewLoader(logger), valuator, archive, logger)
	router := server.NewRouter(cfg, svc)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr, "model", cfg.LLM.Model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown interrupted", "error", err)
	}
	fmt.Println("stopped.")
}
