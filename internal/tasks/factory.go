package tasks

import (
	"fmt"
	"net/url"
	"strings"

	"enrichment-engine/backend/internal/config"
	"enrichment-engine/backend/internal/logging"
)

// BuildQueueFromDSN selects a queue backend from the tasks.queue_dsn setting:
// memory:// or nats://host:port.
func BuildQueueFromDSN(cfg *config.Config, logger *logging.Logger) (Queue, error) {
	dsn := strings.TrimSpace(cfg.Tasks.QueueDSN)
	if dsn == "" {
		dsn = "memory://"
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse tasks.queue_dsn: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryQueue(cfg.Tasks.Capacity, cfg.Tasks.Workers), nil
	case "nats", "tls":
		return NewNatsQueue(dsn, cfg.Tasks.NatsSubject, cfg.Tasks.NatsGroup, logger)
	default:
		return nil, fmt.Errorf("unsupported tasks.queue_dsn scheme %q", u.Scheme)
	}
}

// PolicyFromConfig builds the runner's retry policy.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      cfg.Tasks.MaxRetries,
		InitialInterval: cfg.Tasks.InitialInterval,
		MaxInterval:     cfg.Tasks.MaxInterval,
	}
}
