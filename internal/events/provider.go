// Package events wires the configured session event bus.
package events

import (
	"fmt"
	"strings"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the NATS bus when nats.url is set and the memory bus
// otherwise. lookup may be nil; with NATS it only sees local sessions, so
// remote sessions become subscribable once their first event has arrived.
func Provide(cfg *config.Config, log *logger.Logger, lookup bus.SessionLookup) (*ProvidedBus, func() error, error) {
	opts := bus.Options{
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
		HistorySize:      cfg.Events.HistorySize,
		RetainedSessions: cfg.Events.RetainedSessions,
		Lookup:           lookup,
	}

	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, opts, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, Memory: natsBus.Local(), NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log, opts)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}
