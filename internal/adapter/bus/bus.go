package bus

import (
	"fmt"
	"log/slog"

	"github.com/kestrel-labs/sluice/internal/adapter/kv"
	"github.com/kestrel-labs/sluice/internal/config"
	"github.com/kestrel-labs/sluice/internal/core/ports"
)

// New builds the configured MessageBus backing: "stream" appends to a
// log-structured stream on the KV store, "log" produces to a partitioned
// commit log.
func New(cfg *config.QueueConfig, kvClient *kv.Client, logger *slog.Logger) (ports.MessageBus, error) {
	switch cfg.Type {
	case "stream":
		return NewStreamBus(cfg, kvClient, logger), nil
	case "log":
		return NewLogBus(cfg, logger)
	default:
		return nil, fmt.Errorf("bus: unknown queue type %q", cfg.Type)
	}
}
