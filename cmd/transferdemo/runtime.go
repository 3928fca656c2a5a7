package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/transferengine/core/internal/config"
	"github.com/transferengine/core/internal/coordinator"
	"github.com/transferengine/core/internal/logging"
	"github.com/transferengine/core/internal/queue"
)

// bootstrap loads the engine configuration and constructs a running
// TransferEngine, used identically by every subcommand.
func bootstrap() (*coordinator.TransferEngine, error) {
	cfg := config.Default()
	cfg.Engine.LogMode = "cli"

	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if verbose {
		logging.SetGlobalLevel(zerolog.DebugLevel)
	}

	eng, err := coordinator.New(cfg, queue.StaticNetworkState(true), callbackURL)
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}
	return eng, nil
}
