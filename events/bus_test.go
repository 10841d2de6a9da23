package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wayjake/innbox/models"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	frames []Frame
	err    error
	closed bool
}

func (s *recordingSink) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() ([]Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...), s.closed
}

func startedBus(t *testing.T, interval time.Duration) *Bus {
	t.Helper()

	bus := NewBus(interval)
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)
	return bus
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := startedBus(t, time.Hour)

	delivered := bus.Publish("mb", models.NotificationEvent{Type: models.NotificationNewMessage})
	require.Zero(t, delivered)
	require.False(t, bus.HeartbeatRunning())
}

func TestSubscribeBeforeStart(t *testing.T) {
	bus := NewBus(time.Hour)

	_, err := bus.Subscribe("mb", "acct", &recordingSink{})
	require.ErrorIs(t, err, ErrBusStopped)

	require.NoError(t, bus.Start())
	bus.Stop()

	_, err = bus.Subscribe("mb", "acct", &recordingSink{})
	require.ErrorIs(t, err, ErrBusStopped)
	require.ErrorIs(t, bus.Start(), ErrBusStopped)
}

func TestPublishFansOutPerMailbox(t *testing.T) {
	bus := startedBus(t, time.Hour)

	first, second, other := &recordingSink{}, &recordingSink{}, &recordingSink{}
	for _, s := range []struct {
		mailbox string
		sink    *recordingSink
	}{{"mb", first}, {"mb", second}, {"mb-2", other}} {
		_, err := bus.Subscribe(s.mailbox, "acct", s.sink)
		require.NoError(t, err)
	}

	event := models.NotificationEvent{Type: models.NotificationNewMessage, ThreadID: "t1", MessageID: "m1"}
	require.Equal(t, 2, bus.Publish("mb", event))

	for _, sink := range []*recordingSink{first, second} {
		frames, _ := sink.snapshot()
		require.Len(t, frames, 1)
		assert.Equal(t, EventInbox, frames[0].Event)
		assert.Equal(t, event, frames[0].Data)
	}
	frames, _ := other.snapshot()
	require.Empty(t, frames)
}

func TestFailingHandleIsRemoved(t *testing.T) {
	bus := startedBus(t, time.Hour)

	healthy := &recordingSink{}
	broken := &recordingSink{err: errors.New("connection reset")}
	_, err := bus.Subscribe("mb", "acct", healthy)
	require.NoError(t, err)
	_, err = bus.Subscribe("mb", "acct", broken)
	require.NoError(t, err)

	require.Equal(t, 1, bus.Publish("mb", models.NotificationEvent{Type: models.NotificationThreadUpdate}))
	require.Equal(t, 1, bus.Subscribers("mb"))

	_, closed := broken.snapshot()
	require.True(t, closed)

	require.Equal(t, 1, bus.Publish("mb", models.NotificationEvent{Type: models.NotificationThreadUpdate}))
	frames, closed := healthy.snapshot()
	require.Len(t, frames, 2)
	require.False(t, closed)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := startedBus(t, time.Hour)

	sink := &recordingSink{}
	unsubscribe, err := bus.Subscribe("mb", "acct", sink)
	require.NoError(t, err)
	require.True(t, bus.HeartbeatRunning())

	unsubscribe()
	unsubscribe()

	require.Zero(t, bus.Subscribers("mb"))
	require.False(t, bus.HeartbeatRunning())
	_, closed := sink.snapshot()
	require.True(t, closed)
	require.Zero(t, bus.Publish("mb", models.NotificationEvent{}))
}

func TestHeartbeatReachesEveryHandle(t *testing.T) {
	bus := startedBus(t, 10*time.Millisecond)

	a, b := NewChannelSink(4), NewChannelSink(4)
	unsubA, err := bus.Subscribe("mb", "acct", a)
	require.NoError(t, err)
	unsubB, err := bus.Subscribe("mb-2", "acct", b)
	require.NoError(t, err)

	for _, sink := range []*ChannelSink{a, b} {
		select {
		case f := <-sink.Frames():
			assert.Equal(t, EventHeartbeat, f.Event)
		case <-time.After(time.Second):
			t.Fatal("no heartbeat received")
		}
	}

	unsubA()
	require.True(t, bus.HeartbeatRunning())
	unsubB()
	require.False(t, bus.HeartbeatRunning())
}

func TestHeartbeatDropsStalledHandle(t *testing.T) {
	bus := startedBus(t, 5*time.Millisecond)

	stalled := NewChannelSink(1)
	_, err := bus.Subscribe("mb", "acct", stalled)
	require.NoError(t, err)

	// nobody reads, so the second heartbeat overflows the buffer
	select {
	case <-stalled.Done():
	case <-time.After(time.Second):
		t.Fatal("stalled handle was not dropped")
	}
	require.Zero(t, bus.Subscribers("mb"))

	require.Eventually(t, func() bool { return !bus.HeartbeatRunning() }, time.Second, 5*time.Millisecond)
}

func TestStopClosesHandles(t *testing.T) {
	bus := NewBus(time.Hour)
	require.NoError(t, bus.Start())

	sink := NewChannelSink(1)
	_, err := bus.Subscribe("mb", "acct", sink)
	require.NoError(t, err)

	bus.Stop()

	select {
	case <-sink.Done():
	default:
		t.Fatal("sink not closed on stop")
	}
	require.ErrorIs(t, sink.Send(HeartbeatFrame()), ErrSinkClosed)
}

func TestChannelSinkFull(t *testing.T) {
	sink := NewChannelSink(1)
	require.NoError(t, sink.Send(HeartbeatFrame()))
	require.ErrorIs(t, sink.Send(HeartbeatFrame()), ErrSinkFull)

	sink.Close()
	sink.Close()
	require.ErrorIs(t, sink.Send(HeartbeatFrame()), ErrSinkClosed)
}

func TestEncodeSSE(t *testing.T) {
	out, err := EncodeSSE(HeartbeatFrame())
	require.NoError(t, err)
	require.Equal(t, "event: heartbeat\ndata: {}\n\n", string(out))

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out, err = EncodeSSE(ConnectedFrame("mb", at))
	require.NoError(t, err)
	require.Equal(t, "event: connected\ndata: {\"mailboxId\":\"mb\",\"timestamp\":\"2024-01-02T03:04:05Z\"}\n\n", string(out))
}
