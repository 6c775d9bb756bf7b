package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/winfunc/opcode-sub004/internal/common/config"
	apperrors "github.com/winfunc/opcode-sub004/internal/common/errors"
	"github.com/winfunc/opcode-sub004/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func newTestBus(t *testing.T, opts Options) *MemoryEventBus {
	t.Helper()
	b := NewMemoryEventBus(newTestLogger(t), opts)
	t.Cleanup(b.Close)
	return b
}

func drain(t *testing.T, sub *Subscription) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("subscription for %s was not closed", sub.SessionID)
			return out
		}
	}
}

func publish(t *testing.T, b EventBus, sessionID string, kind Kind, payload string) {
	t.Helper()
	require.NoError(t, b.Publish(context.Background(), sessionID, NewEvent(sessionID, kind, payload)))
}

func TestNewMemoryEventBus(t *testing.T) {
	b := newTestBus(t, Options{})
	if !b.IsConnected() {
		t.Error("Expected bus to be connected")
	}
	b.Close()
	if b.IsConnected() {
		t.Error("Expected bus to be disconnected after Close")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	b := newTestBus(t, Options{})
	subA, err := b.Subscribe("A", "c1")
	require.NoError(t, err)
	subB, err := b.Subscribe("B", "c1")
	require.NoError(t, err)

	publish(t, b, "A", KindOutput, "a1")
	publish(t, b, "B", KindOutput, "b1")
	publish(t, b, "A", KindOutput, "a2")
	publish(t, b, "A", KindCompleted, "")
	publish(t, b, "B", KindFailed, "")

	for _, e := range drain(t, subA) {
		assert.Equal(t, "A", e.SessionID)
	}
	eventsB := drain(t, subB)
	require.Len(t, eventsB, 2)
	for _, e := range eventsB {
		assert.Equal(t, "B", e.SessionID)
	}
}

func TestDeliveryIsFIFOWithSequenceNumbers(t *testing.T) {
	b := newTestBus(t, Options{SubscriberBuffer: 1024})
	sub, err := b.Subscribe("s1", "c1")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		publish(t, b, "s1", KindOutput, fmt.Sprintf("line-%d", i))
	}
	publish(t, b, "s1", KindCompleted, "")

	events := drain(t, sub)
	require.Len(t, events, 101)
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		if i < 100 {
			assert.Equal(t, fmt.Sprintf("line-%d", i), e.Payload)
		}
	}
	assert.Equal(t, KindCompleted, events[100].Kind)
	assert.NoError(t, sub.Err())
}

func TestTerminalEventIsPublishedOnce(t *testing.T) {
	b := newTestBus(t, Options{})
	sub, err := b.Subscribe("s1", "c1")
	require.NoError(t, err)

	code := 0
	require.NoError(t, b.Publish(context.Background(), "s1", NewTerminalEvent("s1", KindCompleted, &code, "")))

	err = b.Publish(context.Background(), "s1", NewTerminalEvent("s1", KindFailed, nil, "late"))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	err = b.Publish(context.Background(), "s1", NewEvent("s1", KindOutput, "late"))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.True(t, b.IsTerminated("s1"))

	events := drain(t, sub)
	require.Len(t, events, 1)
	assert.Equal(t, KindCompleted, events[0].Kind)
	require.NotNil(t, events[0].ExitCode)
	assert.Equal(t, 0, *events[0].ExitCode)
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	b := newTestBus(t, Options{SubscriberBuffer: 2})
	slow, err := b.Subscribe("s1", "slow")
	require.NoError(t, err)
	fast, err := b.Subscribe("s1", "fast")
	require.NoError(t, err)

	var got []*Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range fast.Events() {
			got = append(got, e)
		}
	}()

	for i := 0; i < 3; i++ {
		publish(t, b, "s1", KindOutput, fmt.Sprintf("%d", i))
		time.Sleep(10 * time.Millisecond)
	}

	events := drain(t, slow)
	assert.Len(t, events, 2)
	assert.True(t, errors.Is(slow.Err(), apperrors.ErrSubscriberOverrun))

	publish(t, b, "s1", KindCompleted, "")
	<-done
	assert.Len(t, got, 4)
	assert.NoError(t, fast.Err())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := newTestBus(t, Options{SubscriberBuffer: 1})
	_, err := b.Subscribe("s1", "stuck")
	require.NoError(t, err)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = b.Publish(context.Background(), "s1", NewEvent("s1", KindOutput, "x"))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stuck consumer")
	}
}

func TestLateSubscriberReceivesHistory(t *testing.T) {
	b := newTestBus(t, Options{HistorySize: 3})
	for i := 0; i < 5; i++ {
		publish(t, b, "s1", KindOutput, fmt.Sprintf("%d", i))
	}

	sub, err := b.Subscribe("s1", "late")
	require.NoError(t, err)
	publish(t, b, "s1", KindCancelled, "")

	events := drain(t, sub)
	require.Len(t, events, 4)
	assert.Equal(t, "2", events[0].Payload)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, KindCancelled, events[3].Kind)

	// After termination a subscriber still gets the retained stream.
	after, err := b.Subscribe("s1", "after")
	require.NoError(t, err)
	retained := drain(t, after)
	require.Len(t, retained, 3)
	assert.Equal(t, KindCancelled, retained[2].Kind)
}

func TestUnsubscribeAllReleasesConsumer(t *testing.T) {
	b := newTestBus(t, Options{})
	s1, err := b.Subscribe("s1", "c1")
	require.NoError(t, err)
	s2, err := b.Subscribe("s2", "c1")
	require.NoError(t, err)
	other, err := b.Subscribe("s1", "c2")
	require.NoError(t, err)

	_, err = b.Subscribe("s1", "c1")
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	b.UnsubscribeAll("c1")
	assert.Empty(t, drain(t, s1))
	assert.Empty(t, drain(t, s2))

	publish(t, b, "s1", KindOutput, "still here")
	select {
	case e := <-other.Events():
		assert.Equal(t, "still here", e.Payload)
	case <-time.After(time.Second):
		t.Fatal("other consumer lost its subscription")
	}
}

func TestTerminatedTopicsAreEvicted(t *testing.T) {
	b := newTestBus(t, Options{RetainedSessions: 2})
	for _, id := range []string{"a", "b", "c"} {
		publish(t, b, id, KindOutput, "x")
		publish(t, b, id, KindCompleted, "")
	}
	assert.Nil(t, b.History("a"))
	assert.Len(t, b.History("b"), 2)
	assert.Len(t, b.History("c"), 2)
}

func TestLateSubscriberToEvictedSessionIsClosed(t *testing.T) {
	b := newTestBus(t, Options{RetainedSessions: 1})
	publish(t, b, "s1", KindOutput, "x")
	publish(t, b, "s1", KindCompleted, "")
	publish(t, b, "s2", KindCompleted, "")
	require.Nil(t, b.History("s1"))

	sub, err := b.Subscribe("s1", "late")
	require.NoError(t, err)
	assert.Empty(t, drain(t, sub))
	assert.NoError(t, sub.Err())

	err = b.Publish(context.Background(), "s1", NewEvent("s1", KindOutput, "again"))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
	assert.Nil(t, b.History("s1"))
}

func TestSubscribeConsultsSessionLookup(t *testing.T) {
	sessions := map[string]bool{"live": false, "done": true}
	b := newTestBus(t, Options{Lookup: func(id string) (bool, bool) {
		finished, ok := sessions[id]
		return ok, finished
	}})

	_, err := b.Subscribe("made-up", "ws")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Nil(t, b.History("made-up"))

	done, err := b.Subscribe("done", "ws")
	require.NoError(t, err)
	assert.Empty(t, drain(t, done))

	live, err := b.Subscribe("live", "ws")
	require.NoError(t, err)
	publish(t, b, "live", KindOutput, "hi")
	publish(t, b, "live", KindCompleted, "")
	events := drain(t, live)
	require.Len(t, events, 2)
	assert.Equal(t, "hi", events[0].Payload)
}

func TestConcurrentSessionsKeepOrder(t *testing.T) {
	b := newTestBus(t, Options{SubscriberBuffer: 512})
	subs := map[string]*Subscription{}
	for _, id := range []string{"s1", "s2", "s3"} {
		sub, err := b.Subscribe(id, "ws")
		require.NoError(t, err)
		subs[id] = sub
	}

	var wg sync.WaitGroup
	for id := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = b.Publish(context.Background(), id, NewEvent(id, KindOutput, fmt.Sprintf("%d", i)))
			}
			_ = b.Publish(context.Background(), id, NewEvent(id, KindCompleted, ""))
		}()
	}
	wg.Wait()

	for id, sub := range subs {
		events := drain(t, sub)
		require.Len(t, events, 201, id)
		for i := 0; i < 200; i++ {
			assert.Equal(t, fmt.Sprintf("%d", i), events[i].Payload)
			assert.Equal(t, id, events[i].SessionID)
		}
	}
}

func TestPublishRejectsMismatchedSession(t *testing.T) {
	b := newTestBus(t, Options{})
	err := b.Publish(context.Background(), "s1", NewEvent("s2", KindOutput, "x"))
	assert.True(t, errors.Is(err, apperrors.ErrBadRequest))
}

func TestNATSMessagesFeedLocalBus(t *testing.T) {
	log := newTestLogger(t)
	nb := &NATSEventBus{
		local:  NewMemoryEventBus(log, Options{}),
		logger: log,
		config: config.NATSConfig{SubjectPrefix: "opcode"},
	}
	defer nb.local.Close()

	assert.Equal(t, "opcode.sessions.s1.events", nb.Subject("s1"))
	id, ok := nb.sessionFromSubject("opcode.sessions.s1.events")
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	_, ok = nb.sessionFromSubject("other.sessions.s1.events")
	assert.False(t, ok)

	sub, err := nb.Subscribe("s1", "c1")
	require.NoError(t, err)

	for _, e := range []*Event{NewEvent("s1", KindOutput, "hello"), NewEvent("s1", KindCompleted, "")} {
		data, err := json.Marshal(e)
		require.NoError(t, err)
		nb.handleMsg(&nats.Msg{Subject: nb.Subject("s1"), Data: data})
	}
	nb.handleMsg(&nats.Msg{Subject: nb.Subject("s1"), Data: []byte("not json")})

	events := drain(t, sub)
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Payload)
	assert.Equal(t, uint64(1), events[0].Seq)

	err = nb.Publish(context.Background(), "s1", NewEvent("s1", KindFailed, ""))
	assert.True(t, errors.Is(err, apperrors.ErrConflict))
}
