package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskboard/api/internal/app"
	"taskboard/api/internal/authn"
	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/session"
	"taskboard/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
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

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	hub := realtime.NewHub()
	defer hub.Close()

	service := app.New(cfg, dataStore, redisStore, hub)
	authnService := authn.NewService(dataStore)

	httpServer := app.NewHTTPServer(service, authnService, hub, cfg.CORSOrigin, cfg.CookieSecure)
	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpServer.Handler(),
		// No ReadTimeout/WriteTimeout: websocket connections are
		// hijacked from this server and live for hours.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Taskboard API listening on %s", cfg.Addr)
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
