// Package telemetry carries the rollout engine's ambient observability:
// structured logging, swap statistics, and an optional live WebSocket feed
// for a connected dashboard.
package telemetry

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewLogger returns a console-friendly zerolog.Logger with a fresh run ID
// attached to every line, matching the "component"/correlation-id fields
// the pack's RL experience collector logs with.
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Str("component", component).
		Str("run_id", uuid.New().String()).
		Logger()
}
