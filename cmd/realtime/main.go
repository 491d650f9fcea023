package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tripline/realtime/internal/auth"
	"github.com/tripline/realtime/internal/bus"
	"github.com/tripline/realtime/internal/config"
	"github.com/tripline/realtime/internal/engine"
	"github.com/tripline/realtime/internal/metrics"
	"github.com/tripline/realtime/internal/notify"
	"github.com/tripline/realtime/internal/presence"
	"github.com/tripline/realtime/internal/protocol"
	"github.com/tripline/realtime/internal/ratelimit"
	"github.com/tripline/realtime/internal/store"
	"github.com/tripline/realtime/internal/telemetry"
	"github.com/tripline/realtime/internal/topic"
	"github.com/tripline/realtime/internal/ws"
)

func main() {
	cfgPath := os.Getenv("CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}

	log.Printf("realtime server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  instance:        %s", cfg.InstanceName)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)

	// --- Postgres ---
	messageStore, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	if err := messageStore.Migrate(); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, cfg.InstanceName)
	if err != nil {
		log.Fatalf("connect to redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(presenceStore.Client())

	// --- NATS ---
	// The handler closure resolves engines through the map, which is filled
	// right below; nothing is subscribed until the first client attaches.
	engines := make(map[string]*engine.Engine)
	busConfig := bus.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busConfig.Name = cfg.InstanceName
	broker, err := bus.Connect(busConfig, func(domain, channelID string, env protocol.Envelope, route protocol.Route) {
		eng, ok := engines[domain]
		if !ok {
			log.Printf("main: event for unserved domain %q", domain)
			return
		}
		eng.HandleBusEvent(channelID, env, route)
	})
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}

	notifier := notify.NewDispatcher(broker)

	engines[topic.DomainChat] = engine.New(engine.Config{
		Domain:   topic.DomainChat,
		Bus:      broker,
		Store:    messageStore,
		Notifier: notifier,
	})
	engines[topic.DomainLocation] = engine.New(engine.Config{
		Domain:    topic.DomainLocation,
		Bus:       broker,
		Telemetry: telemetry.NewBuffer(),
	})

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout.Duration,
		WriteTimeout:   cfg.WriteTimeout.Duration,
	}
	server := ws.NewServer(serverConfig, auth.NewVerifier(cfg.JWTSecret), limiter, presenceStore)
	for _, eng := range engines {
		server.RegisterEngine(eng)
	}

	mux := server.Handler()
	mux.Handle("/metrics", metrics.Handler())

	// Graceful shutdown: stop accepting, disconnect clients through the
	// engines so departures fan out, then close the backends.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("server shutdown: %v", err)
		}
		broker.Close()
		if err := messageStore.Close(); err != nil {
			log.Printf("store close: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence close: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
