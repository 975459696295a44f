package events

import (
	"strings"

	"github.com/johnplanow/substrate-sub006/internal/common/config"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
)

// ProvidedBus wraps the active event bus and optional NATS mirror.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	Mirror *Mirror
}

// Provide builds the event distribution layer. The engine always runs on the
// in-memory bus; when a NATS URL is configured, events are additionally
// mirrored there for out-of-process observers.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	memBus := bus.NewMemoryEventBus(log)
	provided := &ProvidedBus{Bus: memBus, Memory: memBus}

	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		mirror, err := NewMirror(url, memBus, log)
		if err != nil {
			memBus.Close()
			return nil, nil, err
		}
		provided.Mirror = mirror
	}

	cleanup := func() error {
		if provided.Mirror != nil {
			provided.Mirror.Close()
		}
		memBus.Close()
		return nil
	}
	return provided, cleanup, nil
}
