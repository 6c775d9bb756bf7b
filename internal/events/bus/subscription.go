package bus

import "sync"

// Subscription is one consumer's view of one session stream. Events is
// closed after the terminal event, on unsubscribe, or when the consumer is
// dropped for falling behind; Err tells these apart.
type Subscription struct {
	SessionID  string
	ConsumerID string

	ch   chan *Event
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newSubscription(sessionID, consumerID string, capacity int) *Subscription {
	return &Subscription{
		SessionID:  sessionID,
		ConsumerID: consumerID,
		ch:         make(chan *Event, capacity),
	}
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan *Event {
	return s.ch
}

// Err returns ErrSubscriberOverrun if the consumer was disconnected for
// falling behind, nil otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// offer delivers without blocking and reports whether the event fit.
func (s *Subscription) offer(e *Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (s *Subscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}
