package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// NATSEventBus shares session streams between opcode instances. Events are
// published to <prefix>.sessions.<sessionId>.events; a wildcard subscription
// feeds every instance's local memory bus, which does the per-consumer
// delivery. Sequence numbers are assigned by each instance's local bus.
type NATSEventBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	local  *MemoryEventBus
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSEventBus connects to NATS and starts mirroring session events into
// a local memory bus.
func NewNATSEventBus(cfg config.NATSConfig, opts Options, log *logger.Logger) (*NATSEventBus, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "opcode"
	}
	b := &NATSEventBus{
		local:  NewMemoryEventBus(log, opts),
		logger: log.WithFields(zap.String("component", "nats-event-bus")),
		config: cfg,
	}

	natsOpts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", zap.Error(err))
			} else {
				b.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				b.logger.Error("NATS connection closed", zap.Error(err))
			} else {
				b.logger.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			b.logger.Error("NATS error", zap.Error(err), zap.String("subject", subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	sub, err := conn.Subscribe(b.wildcard(), b.handleMsg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.wildcard(), err)
	}
	b.sub = sub

	b.logger.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("subject", b.wildcard()))
	return b, nil
}

// Subject returns the NATS subject carrying a session's events.
func (b *NATSEventBus) Subject(sessionID string) string {
	return fmt.Sprintf("%s.sessions.%s.events", b.config.SubjectPrefix, sessionID)
}

func (b *NATSEventBus) wildcard() string {
	return b.config.SubjectPrefix + ".sessions.*.events"
}

// sessionFromSubject extracts the session id from a session subject.
func (b *NATSEventBus) sessionFromSubject(subject string) (string, bool) {
	prefix := b.config.SubjectPrefix + ".sessions."
	if !strings.HasPrefix(subject, prefix) || !strings.HasSuffix(subject, ".events") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(subject, prefix), ".events")
	if id == "" || strings.Contains(id, ".") {
		return "", false
	}
	return id, true
}

// Publish sends the event to NATS. Terminated sessions are rejected locally
// so a duplicate terminal event never leaves this instance.
func (b *NATSEventBus) Publish(ctx context.Context, sessionID string, event *Event) error {
	if event == nil {
		return apperrors.BadRequest("event is required")
	}
	if strings.ContainsAny(sessionID, ".*> ") || sessionID == "" {
		return apperrors.ValidationError("session_id", "not a valid subject token")
	}
	if b.local.IsTerminated(sessionID) {
		return apperrors.Conflict(fmt.Sprintf("session '%s' already reached a terminal event", sessionID))
	}
	if event.SessionID == "" {
		event.SessionID = sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := b.Subject(sessionID)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (b *NATSEventBus) handleMsg(msg *nats.Msg) {
	sessionID, ok := b.sessionFromSubject(msg.Subject)
	if !ok {
		b.logger.Warn("Ignoring message on unexpected subject", zap.String("subject", msg.Subject))
		return
	}
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		b.logger.Error("Failed to unmarshal event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	if err := b.local.Publish(context.Background(), sessionID, &event); err != nil {
		b.logger.Debug("Local delivery rejected",
			zap.String("session_id", sessionID),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

// Subscribe attaches a consumer through the local bus.
func (b *NATSEventBus) Subscribe(sessionID, consumerID string) (*Subscription, error) {
	return b.local.Subscribe(sessionID, consumerID)
}

// Unsubscribe detaches a consumer from one session.
func (b *NATSEventBus) Unsubscribe(sessionID, consumerID string) {
	b.local.Unsubscribe(sessionID, consumerID)
}

// UnsubscribeAll detaches a consumer from every session.
func (b *NATSEventBus) UnsubscribeAll(consumerID string) {
	b.local.UnsubscribeAll(consumerID)
}

// Local returns the memory bus fed by the NATS subscription.
func (b *NATSEventBus) Local() *MemoryEventBus {
	return b.local
}

// Close drains the NATS connection and closes the local bus.
func (b *NATSEventBus) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("Error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
	}
	b.local.Close()
}

// IsConnected returns whether the NATS connection is active
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
