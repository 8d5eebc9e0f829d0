// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Coordinator configures the relay and room coordinator process.
type Coordinator struct {
	Addr          string        `env:"PVP_ADDR" envDefault:":8080"`
	StorePath     string        `env:"PVP_STORE_PATH" envDefault:"rooms.db"`
	RoomIdleAfter time.Duration `env:"PVP_ROOM_IDLE_AFTER" envDefault:"5m"`

	// DirectHost overrides the address peers advertise for direct
	// connections, for deployments behind a known public IP.
	DirectHost string `env:"PVP_DIRECT_HOST"`

	LogBuffer   int    `env:"PVP_LOG_BUFFER" envDefault:"256"`
	LogSeverity string `env:"PVP_LOG_SEVERITY" envDefault:"info"`
}

// Peer configures one side of a duel.
type Peer struct {
	CoordinatorURL     string        `env:"PVP_COORDINATOR_URL" envDefault:"ws://127.0.0.1:8080/ws"`
	Room               string        `env:"PVP_ROOM"`
	Slot               string        `env:"PVP_SLOT" envDefault:"first"`
	NegotiationTimeout time.Duration `env:"PVP_NEGOTIATION_TIMEOUT" envDefault:"5s"`
	DirectHost         string        `env:"PVP_DIRECT_HOST"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
