package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

// Options sizes the memory bus.
type Options struct {
	// SubscriberBuffer is the per-consumer queue length for live events.
	SubscriberBuffer int
	// HistorySize bounds the events retained per session for late subscribers.
	HistorySize int
	// RetainedSessions bounds how many terminated session topics are kept.
	RetainedSessions int
	// Lookup, when set, lets Subscribe refuse sessions that were never
	// created and close out sessions that already finished.
	Lookup SessionLookup
}

// SessionLookup reports whether a session exists and whether it has
// finished. Ids that were removed count as existing and finished.
type SessionLookup func(sessionID string) (exists, finished bool)

// evictedPerRetained scales how many evicted ids are remembered.
const evictedPerRetained = 16

func (o Options) withDefaults() Options {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 1024
	}
	if o.RetainedSessions <= 0 {
		o.RetainedSessions = 256
	}
	return o
}

// MemoryEventBus implements EventBus with per-session topics held in memory.
type MemoryEventBus struct {
	opts   Options
	logger *logger.Logger

	mu         sync.Mutex
	topics     map[string]*topic
	terminated []string // oldest first
	evicted    map[string]struct{}
	evictOrder []string // oldest first
	closed     bool
}

// topic is one session's stream. Delivery and channel closing both happen
// under topic.mu, which keeps sends off closed channels.
type topic struct {
	mu       sync.Mutex
	seq      uint64
	history  []*Event
	subs     map[string]*Subscription
	terminal bool
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger, opts Options) *MemoryEventBus {
	return &MemoryEventBus{
		opts:   opts.withDefaults(),
		logger: log.WithFields(zap.String("component", "event-bus")),
		topics:  make(map[string]*topic),
		evicted: make(map[string]struct{}),
	}
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber of the session without blocking.
func (b *MemoryEventBus) Publish(ctx context.Context, sessionID string, event *Event) error {
	if event == nil {
		return apperrors.BadRequest("event is required")
	}
	if sessionID == "" {
		return apperrors.ValidationError("session_id", "must not be empty")
	}
	if event.SessionID == "" {
		event.SessionID = sessionID
	} else if event.SessionID != sessionID {
		return apperrors.BadRequest(fmt.Sprintf("event for session '%s' published to '%s'", event.SessionID, sessionID))
	}

	t, err := b.publishTopic(sessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return apperrors.Conflict(fmt.Sprintf("session '%s' already reached a terminal event", sessionID))
	}

	t.seq++
	event.Seq = t.seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	t.history = append(t.history, event)
	if over := len(t.history) - b.opts.HistorySize; over > 0 {
		t.history = append([]*Event(nil), t.history[over:]...)
	}

	for id, sub := range t.subs {
		if sub.offer(event) {
			continue
		}
		delete(t.subs, id)
		sub.close(apperrors.SubscriberOverrun(id, sessionID))
		b.logger.Warn("dropping slow consumer",
			zap.String("session_id", sessionID),
			zap.String("consumer_id", id),
			zap.Uint64("seq", event.Seq))
	}

	terminal := event.Kind.IsTerminal()
	if terminal {
		t.terminal = true
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.close(nil)
		}
	}
	t.mu.Unlock()

	if terminal {
		b.retire(sessionID)
	}

	b.logger.Debug("Published event",
		zap.String("session_id", sessionID),
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.Uint64("seq", event.Seq))
	return nil
}

// Subscribe attaches consumerID to the session. The channel is sized to hold
// the replayed history plus SubscriberBuffer live events. Subscribing to a
// terminated session yields its retained history and a closed channel; once
// the topic has been evicted the channel is closed with no history.
func (b *MemoryEventBus) Subscribe(sessionID, consumerID string) (*Subscription, error) {
	if sessionID == "" || consumerID == "" {
		return nil, apperrors.BadRequest("session_id and consumer_id are required")
	}
	t, finished, err := b.subscribeTopic(sessionID)
	if err != nil {
		return nil, err
	}
	if finished {
		sub := newSubscription(sessionID, consumerID, 0)
		sub.close(nil)
		return sub, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.subs[consumerID]; ok {
		return nil, apperrors.Conflict(fmt.Sprintf("consumer '%s' already subscribed to session '%s'", consumerID, sessionID))
	}

	sub := newSubscription(sessionID, consumerID, len(t.history)+b.opts.SubscriberBuffer)
	for _, e := range t.history {
		sub.offer(e)
	}
	if t.terminal {
		sub.close(nil)
		return sub, nil
	}
	t.subs[consumerID] = sub

	b.logger.Debug("Subscribed to session",
		zap.String("session_id", sessionID),
		zap.String("consumer_id", consumerID),
		zap.Int("replayed", len(t.history)))
	return sub, nil
}

// Unsubscribe detaches a consumer from one session and closes its channel.
func (b *MemoryEventBus) Unsubscribe(sessionID, consumerID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	t.remove(consumerID)
}

// UnsubscribeAll detaches a consumer from every session.
func (b *MemoryEventBus) UnsubscribeAll(consumerID string) {
	b.mu.Lock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.remove(consumerID)
	}
}

// History returns the retained events of a session.
func (b *MemoryEventBus) History(sessionID string) []*Event {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Event(nil), t.history...)
}

// IsTerminated reports whether the session's terminal event was published.
func (b *MemoryEventBus) IsTerminated(sessionID string) bool {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// Close closes the event bus
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topic)
	b.terminated = nil
	b.evicted = make(map[string]struct{})
	b.evictOrder = nil
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.close(nil)
		}
		t.mu.Unlock()
	}
	b.logger.Info("Memory event bus closed")
}

// IsConnected returns true until the bus is closed.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// publishTopic returns the session's topic, creating it on first publish.
// Evicted sessions already delivered their terminal event.
func (b *MemoryEventBus) publishTopic(sessionID string) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	if _, ok := b.evicted[sessionID]; ok {
		return nil, apperrors.Conflict(fmt.Sprintf("session '%s' already reached a terminal event", sessionID))
	}
	return b.topicLocked(sessionID), nil
}

// subscribeTopic returns the topic to attach to, or finished when the
// session is over and nothing is retained for it.
func (b *MemoryEventBus) subscribeTopic(sessionID string) (*topic, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false, fmt.Errorf("event bus is closed")
	}
	if t, ok := b.topics[sessionID]; ok {
		return t, false, nil
	}
	if _, ok := b.evicted[sessionID]; ok {
		return nil, true, nil
	}
	if b.opts.Lookup != nil {
		exists, finished := b.opts.Lookup(sessionID)
		if !exists {
			return nil, false, apperrors.NotFound("session", sessionID)
		}
		if finished {
			return nil, true, nil
		}
	}
	return b.topicLocked(sessionID), false, nil
}

func (b *MemoryEventBus) topicLocked(sessionID string) *topic {
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[sessionID] = t
	}
	return t
}

// retire records a terminated session and evicts the oldest terminated
// topics beyond RetainedSessions. Evicted ids are remembered, up to a
// bound, so late subscribers get a closed stream instead of a fresh topic.
func (b *MemoryEventBus) retire(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.terminated = append(b.terminated, sessionID)
	for len(b.terminated) > b.opts.RetainedSessions {
		oldest := b.terminated[0]
		b.terminated = b.terminated[1:]
		delete(b.topics, oldest)
		b.evicted[oldest] = struct{}{}
		b.evictOrder = append(b.evictOrder, oldest)
	}
	for len(b.evictOrder) > b.opts.RetainedSessions*evictedPerRetained {
		delete(b.evicted, b.evictOrder[0])
		b.evictOrder = b.evictOrder[1:]
	}
}

func (t *topic) remove(consumerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[consumerID]; ok {
		delete(t.subs, consumerID)
		sub.close(nil)
	}
}
