package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"planloom/api/internal/ai"
	"planloom/api/internal/app"
	"planloom/api/internal/assets"
	"planloom/api/internal/config"
	"planloom/api/internal/search"
	"planloom/api/internal/session"
	"planloom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var proposer ai.Proposer
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gemini, err := ai.NewGeminiProposer(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			log.Fatalf("gemini client failed: %v", err)
		}
		defer gemini.Close()
		proposer = gemini
	} else {
		log.Printf("GEMINI_API_KEY not set, using mock change proposer")
		proposer = ai.NewMockProposer()
	}

	var sessions *session.Store
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err = session.NewStore(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer sessions.Close()
	} else {
		log.Printf("REDIS_URL not set, editing sessions disabled")
	}

	var uploads *assets.Service
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploads, err = assets.NewService(ctx, assets.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Fatalf("object storage failed: %v", err)
		}
	} else {
		log.Printf("S3_ENDPOINT not set, image uploads disabled")
	}

	service := app.New(cfg, dataStore, proposer, sessions, searchService)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	httpServer := app.NewHTTPServer(service, uploads, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Planloom API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
