package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"docforge/api/internal/app"
	"docforge/api/internal/config"
	"docforge/api/internal/gitsync"
	"docforge/api/internal/proxy"
	"docforge/api/internal/registry"
	"docforge/api/internal/search"
	"docforge/api/internal/session"
	"docforge/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Content checkout: sync from the content repository when configured,
	// otherwise read the local content directory directly.
	contentDir := cfg.ContentDir
	var gitService *gitsync.Service
	if strings.TrimSpace(cfg.ContentRepoURL) != "" {
		gitService = gitsync.New(filepath.Dir(cfg.ContentDir))
		synced, err := gitService.Ensure(ctx, cfg.ContentRepoURL)
		if err != nil {
			log.Fatalf("content repo sync failed: %v", err)
		}
		contentDir = synced
	}

	snapshot, report, err := registry.Load(contentDir, cfg.ContentGroups)
	if err != nil {
		log.Fatalf("registry load failed: %v", err)
	}
	log.Printf("registry: loaded %d templates, %d fragments, %d styles across %d groups",
		report.Templates, report.Fragments, report.Styles, len(report.Groups))

	// Session backend: first configured one wins.
	var sessions session.Store
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		log.Printf("Using PostgreSQL session store")
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
		sessions = store.NewPostgresStore(db)
	case strings.TrimSpace(cfg.RedisURL) != "":
		log.Printf("Using Redis session store")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		sessions = redisStore
	default:
		log.Printf("Using in-memory session store")
		sessions = session.NewMemoryStore()
	}
	defer sessions.Close()

	var artifacts proxy.Store
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		log.Printf("Using MinIO artifact store")
		minioStore, err := proxy.NewMinioStore(ctx, proxy.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
		artifacts = minioStore
	} else {
		artifacts = proxy.NewMemoryStore()
	}

	service := app.NewService(cfg, snapshot, report, sessions, artifacts, gitService)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, service.Snapshot)
	service.SetSearch(searchService)
	searchService.IndexSnapshot(snapshot)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.GatewayToken)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Docforge API listening on %s", cfg.Addr)
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
