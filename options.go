package rewind

import (
	"log/slog"
	"time"
)

// StartOption configures how an instance is started.
type StartOption func(*startConfig)

type startConfig struct {
	instanceID string
}

// WithInstanceID starts the instance under a caller-chosen ID instead of a
// generated one. Starting twice with the same ID fails with
// ErrInstanceExists, which makes starts idempotent for callers that derive
// the ID from their own business key.
func WithInstanceID(id string) StartOption {
	return func(c *startConfig) {
		c.instanceID = id
	}
}

// getStartConfig applies options and returns the final configuration.
func getStartConfig(opts []StartOption) *startConfig {
	cfg := &startConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WorkerOption configures a Worker beyond its WorkerConfig.
type WorkerOption func(*Worker)

// WithCodec sets the codec used for workflow inputs, outputs and activity
// payloads. It must match the codec of the clients and the other workers on
// the backend. Default is JSONCodec.
func WithCodec(codec Codec) WorkerOption {
	return func(w *Worker) {
		if codec != nil {
			w.codec = codec
		}
	}
}

// WithLogger sets the worker's structured logger. Default is slog.Default.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the worker's wall clock, mainly for tests that drive
// timers without sleeping.
func WithClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}
