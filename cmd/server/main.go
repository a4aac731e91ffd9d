// Command server wires every component into a running process: config
// load, observability init, collaborator construction in dependency
// order, HTTP listen, signal-driven graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syncwatch/room-backend/internal/assets"
	"github.com/syncwatch/room-backend/internal/audit"
	"github.com/syncwatch/room-backend/internal/auth"
	"github.com/syncwatch/room-backend/internal/broadcast"
	"github.com/syncwatch/room-backend/internal/clientregistry"
	"github.com/syncwatch/room-backend/internal/commands"
	"github.com/syncwatch/room-backend/internal/config"
	"github.com/syncwatch/room-backend/internal/httpapi"
	"github.com/syncwatch/room-backend/internal/lifecycle"
	"github.com/syncwatch/room-backend/internal/logging"
	"github.com/syncwatch/room-backend/internal/observability"
	"github.com/syncwatch/room-backend/internal/roomstate"
	"github.com/syncwatch/room-backend/internal/snapshot"
	"github.com/syncwatch/room-backend/internal/store"
	"github.com/syncwatch/room-backend/internal/wsconn"
)

// shutdownGrace bounds how long graceful shutdown may take before the
// process exits anyway.
const shutdownGrace = 5 * time.Second

func main() {
	cfg := config.Load()
	ctx := context.Background()

	otelCleanup, err := observability.InitOpenTelemetry("syncwatch-room-backend", "1.0.0", cfg.Environment)
	if err != nil {
		log.Fatalf("failed to initialize OpenTelemetry: %v", err)
	}
	defer func() {
		if err := otelCleanup(context.Background()); err != nil {
			log.Printf("error shutting down OpenTelemetry: %v", err)
		}
	}()

	logger, err := logging.New(logging.Options{
		Level:           cfg.LogLevel,
		JSON:            cfg.NodeEnv == "production",
		ToFiles:         cfg.LogToFiles,
		ErrorLogPath:    cfg.ErrorLogPath,
		CombinedLogPath: cfg.CombinedLogPath,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	slogger := logger.WithContext(ctx)

	sharedStore, err := store.New(ctx, store.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal(ctx, "failed to connect to shared state store: %v", err)
	}
	defer sharedStore.Close()

	// runCtx governs every background loop; canceling it is the first
	// step of graceful shutdown.
	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	registry := clientregistry.New(sharedStore)
	bus := broadcast.New(sharedStore, registry, slogger)
	go bus.Start(runCtx)

	repo := roomstate.NewRepository(sharedStore, bus)

	assetAdapter := assets.New(sharedStore, assets.Options{BaseURL: cfg.CatalogBaseURL})

	var auditWriter *audit.Writer
	if cfg.DatabaseURL != "" {
		auditWriter, err = audit.New(ctx, cfg.DatabaseURL, slogger)
		if err != nil {
			logger.Fatal(ctx, "failed to initialize audit writer: %v", err)
		}
		defer auditWriter.Close()
	}

	passwords := commands.PasswordScheme{
		Encrypted: cfg.IsEncryptedPassword,
		Hash:      auth.HashPassword,
		Verify:    auth.VerifyPassword,
	}

	var auditInterface commands.AuditWriter
	if auditWriter != nil {
		auditInterface = auditWriter
	}

	dispatcher := commands.New(commands.Config{
		Repo:       repo,
		Registry:   registry,
		Bus:        bus,
		Assets:     assetAdapter,
		Passwords:  passwords,
		Audit:      auditInterface,
		HistoryCap: cfg.HistoryCap,
		Log:        slogger,
	})

	var snapStore snapshot.Store
	if cfg.MongoURI != "" {
		mongoStore, err := snapshot.Connect(ctx, cfg.MongoURI)
		if err != nil {
			logger.Fatal(ctx, "failed to connect to durable snapshot store: %v", err)
		}
		snapStore = mongoStore
	}

	worker := lifecycle.New(lifecycle.Config{
		Repo:                    repo,
		Registry:                registry,
		Bus:                     bus,
		Snapshot:                snapStore,
		InactiveTimeout:         cfg.InactiveTimeout,
		MinVideoTimeoutHours:    cfg.MinVideoTimeoutHours,
		VideoDurationMultiplier: cfg.VideoDurationMultiplier,
		Log:                     slogger,
	})
	// Start blocks through the boot-time reverse sync, so recovered rooms
	// exist before the first connection is accepted.
	worker.Start(runCtx)

	ticketIssuer := auth.NewTicketIssuer(cfg.JWTSigningKey)

	wsHandler := wsconn.NewHandler(registry, bus, dispatcher, ticketIssuer.IssueTicket, slogger)

	httpHandler := httpapi.NewServer(httpapi.Options{
		Catalog:            assetAdapter,
		Tickets:            ticketIssuer,
		WebSocketHandler:   wsHandler,
		RedisClient:        sharedStore.Client(),
		RateLimitPerSecond: cfg.RateLimitPerSecond,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info(ctx, "starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown error: %v", err)
	}
	stopBackground()
	worker.FlushSnapshot(shutdownCtx)

	logger.Info(ctx, "shutdown complete")
}
