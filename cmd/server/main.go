package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/manpreetbhatti/codeshare/internal/api"
	"github.com/manpreetbhatti/codeshare/internal/config"
	"github.com/manpreetbhatti/codeshare/internal/persist"
	"github.com/manpreetbhatti/codeshare/internal/room"
	"github.com/manpreetbhatti/codeshare/internal/store"
	"github.com/manpreetbhatti/codeshare/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("CODESHARE_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Driver:    cfg.Store.Driver,
		Path:      cfg.Store.Path,
		URL:       cfg.Store.URL,
		RedisAddr: cfg.Store.RedisAddr,
		RedisDB:   cfg.Store.RedisDB,
		RedisPass: cfg.Store.RedisPass,
		KeyPrefix: cfg.Store.KeyPrefix,
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer st.Close()
	logger.Info("snapshot store ready", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	writer := persist.New(st, persist.Config{
		FlushInterval: cfg.Persist.FlushInterval,
		WriteTimeout:  cfg.Persist.WriteTimeout,
	}, logger.With("component", "persist"))
	writer.Start()

	// The writer answers loads so a room recreated right after eviction sees
	// its own queued snapshot.
	registry := room.NewRegistry(writer, writer, room.Config{
		DefaultLanguage:         cfg.Room.DefaultLanguage,
		DefaultTypingIntervalMs: cfg.Room.DefaultTypingIntervalMs,
		EvictionGrace:           cfg.Room.EvictionGrace,
		MaxPatches:              cfg.Room.MaxPatches,
		MaxSnapshotBytes:        cfg.Room.MaxSnapshotBytes,
	}, logger.With("component", "room"))

	hub := ws.NewHub(registry, ws.Config{
		MessagesPerSecond:    cfg.Transport.MessagesPerSecond,
		MessageBurst:         cfg.Transport.MessageBurst,
		ConnectionsPerMinute: cfg.Transport.ConnectionsPerMinute,
		MaxMessageSize:       cfg.Transport.MaxMessageBytes,
		SendBuffer:           cfg.Transport.SendBuffer,
	}, logger.With("component", "ws"))

	apiHandler := api.New(hub, registry, st, writer, logger.With("component", "api"))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiHandler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("codeshare server starting", "addr", cfg.Addr)
		logger.Info("endpoints",
			"websocket", "GET /ws",
			"health", "GET /health",
			"stats", "GET /api/stats",
			"rooms", "GET /api/rooms",
			"room", "GET/DELETE /api/rooms/{id}")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if cfg.MDNS.Enabled {
		g.Go(func() error {
			advertise(gctx, cfg, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("http shutdown", "err", err)
		}
		hub.Close()
		registry.Close()
		writer.Stop()
		return nil
	})

	return g.Wait()
}

// advertise announces the server on the local network until ctx ends.
// Failure is logged and otherwise ignored.
func advertise(ctx context.Context, cfg config.Config, logger *slog.Logger) {
	_, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		logger.Warn("mDNS disabled: bad addr", "addr", cfg.Addr, "err", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Warn("mDNS disabled: bad port", "addr", cfg.Addr, "err", err)
		return
	}

	instance := cfg.MDNS.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = "CodeShare-" + host
	}

	server, err := zeroconf.Register(instance, cfg.MDNS.Service, "local.", port, []string{"path=/ws"}, nil)
	if err != nil {
		logger.Warn("mDNS registration failed", "err", err)
		return
	}
	defer server.Shutdown()
	logger.Info("mDNS service registered", "instance", instance, "service", cfg.MDNS.Service, "port", port)

	<-ctx.Done()
}
