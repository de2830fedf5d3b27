// Package logging builds the process-wide structured logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/fleetward/fleetward/control_plane/config"
)

// NewLogger returns a zerolog.Logger tagged with this instance's identity.
func NewLogger(cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp().Str("service", "fleetward")
	if cfg.NodeID != "" {
		ctx = ctx.Str("node_id", cfg.NodeID)
	}
	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
