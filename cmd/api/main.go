package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"graphdoc/api/internal/app"
	"graphdoc/api/internal/config"
	"graphdoc/api/internal/directory"
	"graphdoc/api/internal/metrics"
	"graphdoc/api/internal/session"
	"graphdoc/api/internal/store"
	"graphdoc/api/internal/token"
)

func main() {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	graphStore := store.NewPostgresStore(db)

	provider, err := directory.NewClient(cfg.LDAPDSN)
	if err != nil {
		log.Fatalf("directory configuration failed: %v", err)
	}

	if cfg.TokenKey == "" {
		log.Printf("WARNING: no token key configured; using a random key, all tokens become invalid on restart")
	}
	codec, err := token.NewCodec(cfg.TokenKey)
	if err != nil {
		log.Fatalf("token codec setup failed: %v", err)
	}

	sessions, err := session.NewService(provider, graphStore, codec, token.DefaultFieldMap(),
		cfg.TokenTTL, cfg.SessionWindow)
	if err != nil {
		log.Fatalf("session service setup failed: %v", err)
	}

	service := app.NewService(graphStore)
	httpServer := app.NewHTTPServer(service, sessions, metrics.New(), cfg.CORSOrigin, cfg.Realm)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("graphdoc API listening on %s", cfg.Addr)
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
