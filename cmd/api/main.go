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

	"huddle/api/internal/app"
	"huddle/api/internal/config"
	"huddle/api/internal/factcheck"
	"huddle/api/internal/realtime"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
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
	service := app.New(cfg, dataStore)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		searchService.ReindexAllFromPG(ctx)
	}
	service.AttachIndexer(searchService)

	hub := realtime.NewHub(service, service)
	service.AttachBroadcaster(hub)

	busCtx, stopBus := context.WithCancel(ctx)
	defer stopBus()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		bus, err := realtime.NewRedisBus(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer bus.Close()
		hub.AttachBus(bus)
		go bus.Run(busCtx, hub.RemoteEvent)
		log.Printf("Cross-instance event bus enabled")
	}

	var queue *factcheck.Queue
	if strings.TrimSpace(cfg.LLMToken) != "" {
		classifier, err := factcheck.NewLLMClassifier(cfg.LLMBaseURL, cfg.LLMToken, cfg.LLMModel)
		if err != nil {
			log.Fatalf("llm client failed: %v", err)
		}
		var support factcheck.SupportProvider
		if strings.TrimSpace(cfg.MinioEndpoint) != "" {
			provider, err := factcheck.NewMinioProvider(cfg.MinioEndpoint, cfg.MinioAccessKey,
				cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.SupportBucket, cfg.SupportObject)
			if err != nil {
				log.Fatalf("minio client failed: %v", err)
			}
			support = provider
		} else {
			log.Printf("WARNING: no object store configured, fact-check support data is empty")
			support = &factcheck.StaticProvider{}
		}
		pipeline := factcheck.NewPipeline(classifier, support, dataStore, service, hub,
			cfg.PipelineStageTimeout, cfg.PipelineRetryBackoff)
		queue = factcheck.NewQueue(pipeline, cfg.PipelineQueueSize, cfg.PipelineWorkers)
		queue.Start(ctx)
		defer queue.Close()
		service.AttachPipeline(queue)
		log.Printf("Fact-check pipeline enabled (%d workers)", cfg.PipelineWorkers)
	} else {
		log.Printf("Fact-check pipeline disabled (no LLM token)")
	}

	httpServer := app.NewHTTPServer(service, hub, searchService, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Huddle API listening on %s", cfg.Addr)
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
