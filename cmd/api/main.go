package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lmoreau/switchboard/backend/internal/audit"
	"github.com/lmoreau/switchboard/backend/internal/config"
	"github.com/lmoreau/switchboard/backend/internal/handler"
	"github.com/lmoreau/switchboard/backend/internal/service/ai"
	"github.com/lmoreau/switchboard/backend/internal/service/registry"
	syncservice "github.com/lmoreau/switchboard/backend/internal/service/sync"
	"github.com/lmoreau/switchboard/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var entityStore *store.BadgerStore
	if cfg.Store.Enabled {
		entityStore = store.Open(cfg.Store.Dir, logger)
	} else {
		logger.Info("persistent store disabled, running memory-only")
		entityStore = store.NewBadgerStore(nil, logger)
	}
	defer entityStore.Close()

	auditLogger := audit.New(logger, entityStore)
	channelRegistry := registry.New(entityStore, auditLogger, logger)
	broadcaster := syncservice.NewBroadcaster(channelRegistry, auditLogger, logger)

	var generator syncservice.Generator
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, logger)
		if err != nil {
			logger.Warn("failed to initialize generation service, llm triggers will be rejected", "err", err)
		} else {
			generator = aiService
			logger.Info("generation service initialized", "model", cfg.AI.Model)
		}
	} else {
		logger.Info("generation credentials not configured, llm triggers will be rejected")
	}

	orchestrator := syncservice.NewOrchestrator(generator, broadcaster, auditLogger, logger)
	dispatcher := syncservice.NewDispatcher(channelRegistry, entityStore, broadcaster, orchestrator, auditLogger, logger)
	engine := syncservice.NewEngine(channelRegistry, broadcaster, dispatcher, auditLogger, logger)

	router := handler.NewRouter(engine, logger, cfg.Server.MaxMessageBytes)

	startServer(ctx, cfg.Server, router)

	// Let in-flight generation jobs finish their terminal broadcasts.
	orchestrator.Wait()
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("switchboard backend listening on %s", serverCfg.Addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
