package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/signalix/realtime/internal/auth"
	"github.com/signalix/realtime/internal/calls"
	"github.com/signalix/realtime/internal/config"
	"github.com/signalix/realtime/internal/db"
	httphandler "github.com/signalix/realtime/internal/http"
	"github.com/signalix/realtime/internal/http/handlers"
	"github.com/signalix/realtime/internal/logging"
	"github.com/signalix/realtime/internal/media"
	"github.com/signalix/realtime/internal/messaging"
	"github.com/signalix/realtime/internal/middleware"
	"github.com/signalix/realtime/internal/notify"
	"github.com/signalix/realtime/internal/peers"
	"github.com/signalix/realtime/internal/presence"
	"github.com/signalix/realtime/internal/realtime"
	"github.com/signalix/realtime/internal/repo"
	"github.com/signalix/realtime/internal/telemetry"
)

// maxCallDuration caps how long a Redis call reservation may outlive its process.
const maxCallDuration = 4 * time.Hour

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	ctx := context.Background()

	shutdownTracing, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	userRepo := repo.NewUserRepo(database)
	messageRepo := repo.NewMessageRepo(database)

	checks := []handlers.Check{{Name: "postgres", Ping: database.PingContext}}

	// Redis is optional: without it presence, call reservations and peer
	// addresses stay in process memory.
	var (
		rdb         *redis.Client
		mirror      *presence.RedisMirror
		activeStore calls.ActiveStore = calls.NewMemoryActiveStore()
		peerStore   peers.Store       = peers.NewMemoryStore()
	)
	if cfg.RedisURL != "" {
		rdb, err = db.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("Failed to open redis: %v", err)
		}
		defer rdb.Close()

		mirror = presence.NewRedisMirror(rdb, 3*cfg.PingInterval, logger)
		activeStore = calls.NewRedisActiveStore(rdb, maxCallDuration)
		peerStore = peers.NewRedisStore(rdb, 10*cfg.PeerTTL)
		checks = append(checks, handlers.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		logger.Warn("REDIS_URL not set, using in-memory stores")
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	var publisher *notify.Publisher
	if cfg.RabbitMQURL != "" {
		publisher, err = notify.NewPublisher(cfg.RabbitMQURL, cfg.WakeQueue)
		if err != nil {
			log.Fatalf("Failed to connect to rabbitmq: %v", err)
		}
		notifier = publisher
	} else {
		logger.Warn("RABBITMQ_URL not set, wake-ups are only logged")
	}

	mediaStore, err := media.NewLocalStore(filepath.Join(cfg.MediaDir, "chats"), cfg.MediaURLPrefix)
	if err != nil {
		log.Fatalf("Failed to prepare media dir: %v", err)
	}

	registry := presence.NewRegistry(logger, presence.NewRecorder(userRepo, logger))
	registry.AddObserver(presence.NewBroadcaster(registry))
	if mirror != nil {
		registry.AddObserver(mirror)
	}

	engine := messaging.NewEngine(logger, userRepo, messageRepo, mediaStore, registry, notifier)
	callManager := calls.NewManager(logger, activeStore, userRepo, messageRepo, registry, notifier, cfg.RingTimeout)
	registry.AddObserver(callManager)

	directory := peers.NewDirectory(peerStore, notify.NewWaker(registry, notifier, logger), cfg.PeerTTL, logger)
	limiter := middleware.NewRateLimiter(cfg.MessageRateWindow, cfg.MessageRateMax)

	jwtService := auth.NewJWTService(cfg.JWTSecret)
	authenticator := auth.NewAuthenticator(jwtService, userRepo)

	userHandler := handlers.NewUserHandler(userRepo, registry)
	if mirror != nil {
		userHandler = userHandler.WithRemote(mirror)
	}

	router := httphandler.NewRouter(logger, cfg.ServiceName, authenticator, httphandler.Handlers{
		Health:   handlers.NewHealthHandler(checks...),
		Users:    userHandler,
		Messages: handlers.NewMessageHandler(engine),
		Peers:    handlers.NewPeerHandler(directory),
		Gateway: realtime.NewGateway(logger, registry, engine, callManager, directory, limiter, realtime.Options{
			PingInterval:   cfg.PingInterval,
			AllowAnyOrigin: cfg.DevMode,
		}),
	})
	router.Handle(cfg.MediaURLPrefix+"/*", http.StripPrefix(cfg.MediaURLPrefix, http.FileServer(http.Dir(filepath.Join(cfg.MediaDir, "chats")))))

	// WriteTimeout stays zero: websocket connections are long-lived.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	pruneCtx, stopPrune := context.WithCancel(ctx)
	if mirror != nil {
		go prunePresence(pruneCtx, mirror, cfg.PingInterval, logger)
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopPrune()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", logging.Err(err))
	}
	callManager.Close(shutdownCtx)
	limiter.Stop()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close rabbitmq publisher", logging.Err(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", logging.Err(err))
	}

	log.Println("Server exited")
}

func prunePresence(ctx context.Context, mirror *presence.RedisMirror, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := mirror.Prune(ctx); err != nil {
			logger.WarnContext(ctx, "presence - prune failed", logging.Err(err))
		} else if n > 0 {
			logger.InfoContext(ctx, "presence - pruned stale users", slog.Int64("count", n))
		}
	}
}
