package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meathill/pvp-games/internal/config"
	"github.com/meathill/pvp-games/internal/coordinator"
	"github.com/meathill/pvp-games/internal/logging"
	"github.com/meathill/pvp-games/internal/logging/sinks"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/room"
	"github.com/meathill/pvp-games/internal/room/sqlite"
	"github.com/meathill/pvp-games/internal/telemetry"
)

func main() {
	logger := log.New(os.Stdout, "[coordinator] ", log.LstdFlags)

	var cfg config.Coordinator
	if err := config.ParseEnv(&cfg); err != nil {
		logger.Fatalf("load configuration: %v", err)
	}

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		logger.Fatalf("open room store: %v", err)
	}
	defer store.Close()

	router := logging.NewRouter(logging.SystemClock{}, logging.Config{
		BufferSize:      cfg.LogBuffer,
		MinimumSeverity: logging.ParseSeverity(cfg.LogSeverity),
	}, []logging.NamedSink{
		{Name: "console", Sink: sinks.NewConsoleSink(os.Stdout)},
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		router.Close(shutdownCtx)
	}()

	var assist *proto.AssistConfig
	if cfg.DirectHost != "" {
		assist = &proto.AssistConfig{DirectHost: cfg.DirectHost}
	}

	manager := room.NewManager(room.ManagerConfig{
		Store:     store,
		Assist:    assist,
		IdleAfter: cfg.RoomIdleAfter,
		Logger:    telemetry.WrapLogger(logger),
		Publisher: router,
	})
	defer manager.Close()

	stop := make(chan struct{})
	go manager.Run(stop)
	defer close(stop)

	metrics := telemetry.NewCounters()
	server := coordinator.NewServer(coordinator.Config{
		Manager: manager,
		Assist:  assist,
		Logger:  logger,
		Metrics: metrics,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Routes(),
	}

	errs := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			logger.Fatalf("serve: %v", err)
		}
	case sig := <-signals:
		logger.Printf("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}
