package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"storyforge/internal/util"
	"storyforge/pkg/identity"
	"storyforge/services/studio/internal/app"
	"storyforge/services/studio/internal/config"
	"storyforge/services/studio/internal/server"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var popup identity.Popup
	if cfg.GoogleClientID != "" {
		popup = &identity.LoopbackPopup{
			Addr:    cfg.GooglePopupAddr,
			Timeout: config.MustDuration(cfg.GooglePopupLimit, 2*time.Minute),
		}
	}

	appCore, err := app.New(ctx, app.Config{
		Backend:              cfg.Store,
		DatabaseURL:          cfg.DatabaseURL,
		SQLitePath:           cfg.SQLitePath,
		FirestoreProject:     cfg.FirestoreProject,
		FirestoreCredentials: cfg.FirestoreCredentials,
		PollInterval:         config.MustDuration(cfg.PollInterval, 0),
		ChangeBus:            cfg.ChangeBus,
		AMQPURL:              cfg.AMQPURL,
		RedisAddr:            cfg.RedisAddr,
		RedisPassword:        cfg.RedisPassword,
		SnapshotCache:        cfg.SnapshotCache,
		SnapshotCacheTTL:     config.MustDuration(cfg.SnapshotCacheTTL, 0),
		Identity:             cfg.Identity,
		ToolkitAPIKey:        cfg.ToolkitAPIKey,
		ToolkitProject:       cfg.ToolkitProject,
		TokenSecret:          cfg.TokenSecret,
		TokenTTL:             config.MustDuration(cfg.TokenTTL, identity.DefaultTokenTTL),
		SignInLimit:          cfg.SignInLimit,
		SignInWindow:         config.MustDuration(cfg.SignInWindow, time.Minute),
		GoogleClientID:       cfg.GoogleClientID,
		GoogleSecret:         cfg.GoogleSecret,
		GooglePopup:          popup,
		ProfileRetryAttempts: cfg.ProfileRetryAttempts,
		ProfileRetryDelay:    config.MustDuration(cfg.ProfileRetryDelay, 0),
		PublicLimit:          cfg.PublicLimit,
		Exports:              cfg.Exports,
		ExportLinkTTL:        config.MustDuration(cfg.ExportLinkTTL, 15*time.Minute),
		FilesBaseURL:         strings.TrimRight(cfg.PublicURL, "/") + "/files",
		MinioEndpoint:        cfg.MinioEndpoint,
		MinioAccessKey:       cfg.MinioAccessKey,
		MinioSecretKey:       cfg.MinioSecretKey,
		MinioBucket:          cfg.MinioBucket,
		MinioUseSSL:          cfg.MinioUseSSL,
		Logger:               logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer func() {
		if err := appCore.Close(); err != nil {
			logger.Warn("close app", "err", err)
		}
	}()

	httpServer, err := server.New(server.Config{
		App:            appCore,
		CORSOrigins:    cfg.CORS,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("studio server listening", "addr", addr, "store", cfg.Store, "identity", cfg.Identity)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
