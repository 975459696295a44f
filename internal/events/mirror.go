package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/logger"
	"github.com/johnplanow/substrate-sub006/internal/events/bus"
)

// subjectPrefix is where mirrored events land on NATS. Topic colons become
// dots, so graph:complete is published as substrate.events.graph.complete.
const subjectPrefix = "substrate.events."

// Mirror republishes every in-process event to NATS for external observers
// (dashboards, log collectors). It is publish-only: nothing flows back into
// the engine, and a broken mirror never fails a Publish on the memory bus.
type Mirror struct {
	conn   *nats.Conn
	sub    bus.Subscription
	logger *logger.Logger
}

// NewMirror connects to NATS and forwards all events from the given bus.
func NewMirror(url string, eventBus bus.EventBus, log *logger.Logger) (*Mirror, error) {
	opts := []nats.Option{
		nats.Name("substrate-event-mirror"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	m := &Mirror{conn: conn, logger: log}

	sub, err := eventBus.Subscribe(">", m.forward)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe mirror: %w", err)
	}
	m.sub = sub

	log.Info("Mirroring events to NATS", zap.String("url", url))
	return m, nil
}

func (m *Mirror) forward(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal mirrored event",
			zap.String("topic", event.Type),
			zap.Error(err))
		return nil
	}

	subject := subjectPrefix + strings.ReplaceAll(event.Type, ":", ".")
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("failed to mirror event",
			zap.String("subject", subject),
			zap.Error(err))
	}
	return nil
}

// Close detaches the mirror from the bus and drains the NATS connection.
func (m *Mirror) Close() {
	if m.sub != nil {
		_ = m.sub.Unsubscribe()
	}
	if m.conn != nil {
		_ = m.conn.Drain()
		m.conn.Close()
	}
}
