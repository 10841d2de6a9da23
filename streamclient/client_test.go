package streamclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedStream replays events, then blocks until ctx ends or returns err
type scriptedStream struct {
	ctx    context.Context
	events []Event
	end    error
}

func (s *scriptedStream) Next() (Event, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.end != nil {
		return Event{}, s.end
	}
	<-s.ctx.Done()
	return Event{}, s.ctx.Err()
}

func (s *scriptedStream) Close() error { return nil }

// fakeTransport hands out one scripted outcome per Connect
type fakeTransport struct {
	mu       sync.Mutex
	connects int
	next     func(ctx context.Context, n int) (Stream, error)
}

func (f *fakeTransport) Connect(ctx context.Context) (Stream, error) {
	f.mu.Lock()
	f.connects++
	n := f.connects
	f.mu.Unlock()
	return f.next(ctx, n)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// recordingClock returns already-fired channels and remembers each delay
type recordingClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingClock) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (r *recordingClock) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

var errRefused = errors.New("connection refused")

func TestBackoffSequence(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, MaxAttempts: 3}

	var got []time.Duration
	for {
		d, ok := b.Next()
		if !ok {
			break
		}
		got = append(got, d)
	}
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, got)

	b.Reset()
	d, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, d)
}

func TestFallsBackToPollingAfterFourthFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &fakeTransport{next: func(context.Context, int) (Stream, error) {
		return nil, errRefused
	}}
	clock := &recordingClock{}

	var states []State
	var mu sync.Mutex
	polls := 0
	client := New(transport, Options{
		BaseDelay:    time.Second,
		PollInterval: 30 * time.Second,
		After:        clock.After,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
		Refresh: func(context.Context) error {
			polls++
			cancel()
			return nil
		},
	})

	err := client.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 4, transport.count())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 30 * time.Second}, clock.recorded())
	assert.Equal(t, 1, polls)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Connecting, Reconnecting, Polling, Disconnected}, states)
}

func TestConnectResetsBackoffAndRefreshes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &fakeTransport{next: func(ctx context.Context, n int) (Stream, error) {
		switch n {
		case 1, 2:
			return nil, errRefused
		case 3:
			return &scriptedStream{ctx: ctx, events: []Event{
				{Name: EventConnected},
				{Name: EventHeartbeat},
				{Name: EventInbox, Data: []byte(`{"type":"new_message"}`)},
			}, end: io.EOF}, nil
		default:
			cancel()
			return nil, errRefused
		}
	}}
	clock := &recordingClock{}

	var received []Event
	refreshes := 0
	client := New(transport, Options{
		BaseDelay: 10 * time.Millisecond,
		After:     clock.After,
		OnEvent:   func(ev Event) { received = append(received, ev) },
		Refresh: func(context.Context) error {
			refreshes++
			return nil
		},
	})

	require.ErrorIs(t, client.Run(ctx), context.Canceled)

	// two failures, a session that ends, then the sequence restarts at base
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 10 * time.Millisecond}, clock.recorded())
	require.Len(t, received, 1)
	assert.JSONEq(t, `{"type":"new_message"}`, string(received[0].Data))
	assert.Equal(t, 1, refreshes)
	assert.Equal(t, Disconnected, client.State())
}

func TestStreamWithoutGreetingCountsAsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &fakeTransport{next: func(ctx context.Context, n int) (Stream, error) {
		if n > 1 {
			cancel()
		}
		return &scriptedStream{ctx: ctx, events: []Event{{Name: EventInbox}}}, nil
	}}
	clock := &recordingClock{}

	received := 0
	client := New(transport, Options{
		BaseDelay: time.Millisecond,
		After:     clock.After,
		OnEvent:   func(Event) { received++ },
	})

	require.ErrorIs(t, client.Run(ctx), context.Canceled)
	assert.Zero(t, received)
	assert.Equal(t, []time.Duration{time.Millisecond}, clock.recorded())
}

func TestPauseAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan struct{}, 4)
	transport := &fakeTransport{next: func(ctx context.Context, n int) (Stream, error) {
		connected <- struct{}{}
		return &scriptedStream{ctx: ctx, events: []Event{{Name: EventConnected}}}, nil
	}}

	var mu sync.Mutex
	refreshes := 0
	client := New(transport, Options{
		Refresh: func(context.Context) error {
			mu.Lock()
			refreshes++
			mu.Unlock()
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	<-connected
	require.Eventually(t, func() bool { return client.State() == Connected }, time.Second, time.Millisecond)

	client.Pause()
	require.Eventually(t, func() bool { return client.State() == Disconnected }, time.Second, time.Millisecond)
	require.Equal(t, 1, transport.count())

	client.Resume()
	<-connected
	require.Eventually(t, func() bool { return client.State() == Connected }, time.Second, time.Millisecond)

	// connect, resume, connect again
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return refreshes == 3
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSSETransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": comment\n\n")
		_, _ = io.WriteString(w, "event: connected\ndata: {\"mailboxId\":\"mb\"}\n\n")
		_, _ = io.WriteString(w, "event: inbox-event\ndata: {\"a\":1}\n\n")
	}))
	defer server.Close()

	stream, err := (&SSETransport{URL: server.URL, Token: "tok", Client: server.Client()}).Connect(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventConnected, ev.Name)
	assert.JSONEq(t, `{"mailboxId":"mb"}`, string(ev.Data))

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, EventInbox, ev.Name)

	_, err = stream.Next()
	require.ErrorIs(t, err, io.EOF)

	_, err = (&SSETransport{URL: server.URL, Client: server.Client()}).Connect(context.Background())
	require.Error(t, err)
}
