package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"matheditor/internal/app"
	"matheditor/internal/blob"
	"matheditor/internal/config"
	"matheditor/internal/email"
	"matheditor/internal/gitrepo"
	"matheditor/internal/logger"
	"matheditor/internal/render"
	"matheditor/internal/search"
	"matheditor/internal/session"
	"matheditor/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)
	defer func() { _ = log.Sync() }()
	ctx := context.Background()

	if err := store.ApplyMigrations(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal("migrations failed", logger.Error(err))
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", logger.Error(err))
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.Fatal("create repos dir", logger.String("dir", cfg.ReposDir), logger.Error(err))
	}

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal("redis connection failed", logger.Error(err))
	}
	defer sessions.Close()

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(dataStore)
	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, pgfts, log)
	} else {
		log.Info("meilisearch disabled, using postgres full text search")
		searchService = search.NewService(nil, pgfts, log)
	}

	deps := app.Deps{
		Config:   cfg,
		Store:    dataStore,
		Sessions: sessions,
		Archive:  gitrepo.New(cfg.ReposDir),
		Search:   searchService,
		Renderer: render.NewService(cfg.ChromeURL, cfg.PandocPath),
		Logger:   log,
	}

	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		backups, err := blob.New(blob.Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		})
		if err != nil {
			log.Fatal("object storage", logger.Error(err))
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := backups.EnsureBucket(bucketCtx); err != nil {
			log.Warn("ensure backup bucket", logger.String("bucket", cfg.BlobBucket), logger.Error(err))
		}
		cancel()
		deps.Backups = backups
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Mailer = mailer
	}

	service := app.New(deps)
	go service.Reindex(ctx)

	server := app.NewServer(cfg.Addr, app.NewHTTPServer(service, cfg.CORSOrigin, log).Handler(), log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("server failed", logger.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("shutdown error", logger.Error(err))
	}
}
