package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/fleetward/fleetward/control_plane/alerts"
	"github.com/fleetward/fleetward/control_plane/bus"
	"github.com/fleetward/fleetward/control_plane/config"
	"github.com/fleetward/fleetward/control_plane/coordination"
	"github.com/fleetward/fleetward/control_plane/logging"
	"github.com/fleetward/fleetward/control_plane/policy"
	"github.com/fleetward/fleetward/control_plane/store"
	"github.com/fleetward/fleetward/control_plane/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log := logging.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: postgres is the system of record; the in-memory store covers
	// single-node dev without a database.
	var s store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()
		s = pg
		log.Info().Msg("connected to postgres")
	} else {
		s = store.NewMemoryStore()
		log.Warn().Msg("no DATABASE_URL, using in-memory store (dev only)")
	}

	// One redis client backs both the named locks and the command bus.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis connection failed")
	}
	defer redisClient.Close()
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")

	locker := coordination.NewRedisLockerFromClient(redisClient)
	publisher := bus.NewRedisPublisherFromClient(redisClient, log)

	hub := NewEventHub(log)
	go hub.Run(ctx)

	// Transitions go to the log and to live websocket subscribers.
	sink := alerts.Multi{alerts.NewLogSink(log), hub}

	resolver := policy.NewResolver(s, log)
	tr := tracker.NewTracker(s, sink, log)
	dispatcher := NewBulkDispatcher(publisher, rate.Limit(cfg.DispatchRate), cfg.DispatchBurst, log)

	runner := NewRunner(s, resolver, tr, dispatcher, locker, cfg.TickInterval(), cfg.NodeID, log)
	runner.Start(ctx)

	monitor := coordination.NewAgentMonitor(s, locker, sink, cfg.MonitorInterval(), cfg.NodeID, log)
	monitor.Start(ctx)

	api := NewAPI(s, resolver, tr, publisher, hub, log)
	server := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPListenAddr).Msg("control plane listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// Give other instances the locks back instead of waiting out the TTLs.
	locker.Release(shutdownCtx, coordination.LockTaskRunner, cfg.NodeID)
	locker.Release(shutdownCtx, coordination.LockAgentMonitor, cfg.NodeID)
	publisher.Close()
}
