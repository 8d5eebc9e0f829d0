package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meathill/pvp-games/internal/config"
	"github.com/meathill/pvp-games/internal/duel"
	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/room"
	"github.com/meathill/pvp-games/internal/telemetry"
	"github.com/meathill/pvp-games/internal/transport"
)

func main() {
	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags)

	var cfg config.Peer
	if err := config.ParseEnv(&cfg); err != nil {
		logger.Fatalf("load configuration: %v", err)
	}

	slot, ok := engine.ParseSlot(cfg.Slot)
	if !ok {
		logger.Fatalf("invalid slot %q: must be first or second", cfg.Slot)
	}
	roomID := cfg.Room
	if roomID == "" {
		roomID = room.NewRoomID()
		logger.Printf("no room configured, created %s", roomID)
	}

	metrics := telemetry.NewCounters()
	tlog := telemetry.WrapLogger(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	channel, err := transport.Connect(ctx, transport.HybridConfig{
		Relay: transport.RelayConfig{
			URL:     cfg.CoordinatorURL,
			Room:    roomID,
			Slot:    slot,
			Logger:  tlog,
			Metrics: metrics,
		},
		NegotiationTimeout: cfg.NegotiationTimeout,
		Logger:             tlog,
		Metrics:            metrics,
		OnError: func(err error) {
			logger.Printf("transport: %v", err)
		},
		OnState: func(state transport.ConnState) {
			logger.Printf("connection state: %s", state)
		},
	})
	cancel()
	if err != nil {
		logger.Fatalf("connect to %s: %v", cfg.CoordinatorURL, err)
	}
	defer channel.Dispose()

	stop := make(chan struct{})
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		close(stop)
	}()

	switch slot {
	case engine.SlotFirst:
		runHost(logger, channel, metrics, stop)
	case engine.SlotSecond:
		runClient(logger, channel, metrics, stop)
	}
}

func runHost(logger *log.Logger, channel transport.Channel, metrics telemetry.Metrics, stop <-chan struct{}) {
	host := duel.NewHost(duel.HostConfig{
		Engine:  engine.New(engine.Config{}),
		Channel: channel,
		Slot:    engine.SlotFirst,
		Logger:  telemetry.WrapLogger(logger),
		Metrics: metrics,
		OnError: func(err error) {
			logger.Printf("host: %v", err)
		},
	})
	defer host.Close()

	host.Ready()
	go readIntents(logger, stop, func(dir engine.Direction) {
		host.QueueIntent(dir)
	})

	host.Run(stop)

	final := host.Snapshot()
	if final.Winner != nil {
		logger.Printf("duel finished, winner: %s", *final.Winner)
	}
}

func runClient(logger *log.Logger, channel transport.Channel, metrics telemetry.Metrics, stop <-chan struct{}) {
	client := duel.NewClient(duel.ClientConfig{
		Channel: channel,
		Slot:    engine.SlotSecond,
		Logger:  telemetry.WrapLogger(logger),
		Metrics: metrics,
		OnError: func(err error) {
			logger.Printf("client: %v", err)
		},
	})
	defer client.Close()

	unsubscribe := client.SubscribeState(func(state engine.State) {
		line := fmt.Sprintf("tick=%d status=%s", state.Tick, state.Status)
		for _, actor := range state.Actors {
			line += fmt.Sprintf(" %s=%d", actor.Slot, actor.Score)
		}
		if state.Winner != nil {
			line += fmt.Sprintf(" winner=%s", *state.Winner)
		}
		logger.Print(line)
	})
	defer unsubscribe()

	client.Ready()
	go client.RunPinger(stop)
	readIntents(logger, stop, func(dir engine.Direction) {
		client.SendInput(dir)
	})
}

// readIntents turns stdin lines into movement intents until stop closes.
func readIntents(logger *log.Logger, stop <-chan struct{}, emit func(engine.Direction)) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-stop:
			return
		case line, ok := <-lines:
			if !ok {
				<-stop
				return
			}
			dir, ok := engine.ParseDirection(line)
			if !ok {
				logger.Printf("ignoring input %q: use up, down, left or right", line)
				continue
			}
			emit(dir)
		}
	}
}
