// Package streamclient is the client half of the streaming channel: it keeps
// a stream open, reconnects with exponential backoff and falls back to
// periodic polling when the stream keeps failing.
package streamclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wayjake/innbox/utils"
)

// State of a Client
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Polling
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Polling:
		return "polling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Server frame names
const (
	EventConnected = "connected"
	EventInbox     = "inbox-event"
	EventHeartbeat = "heartbeat"
)

var errNotGreeted = errors.New("stream did not start with a connected frame")

// Options configures a Client. Zero values take the defaults.
type Options struct {
	BaseDelay    time.Duration // default 1s
	MaxAttempts  int           // reconnects before polling, default 3
	PollInterval time.Duration // default 30s

	// OnEvent receives every inbox-event frame
	OnEvent func(Event)
	// Refresh reloads the thread list; called on connect, on resume and on every poll
	Refresh func(ctx context.Context) error
	// OnStateChange observes transitions; it must not call back into the Client
	OnStateChange func(State)
	// After is time.After unless a test replaces it
	After func(time.Duration) <-chan time.Time
}

// Client maintains the live connection for one mailbox
type Client struct {
	transport Transport
	opts      Options
	backoff   Backoff
	log       *utils.Logger

	mu         sync.Mutex
	state      State
	paused     bool
	cancelConn context.CancelFunc
	wake       chan struct{}
}

// New creates a client; nothing happens until Run
func New(transport Transport, opts Options) *Client {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.After == nil {
		opts.After = time.After
	}

	return &Client{
		transport: transport,
		opts:      opts,
		backoff:   Backoff{Base: opts.BaseDelay, MaxAttempts: opts.MaxAttempts},
		log:       utils.Log.WithField("component", "stream-client"),
		wake:      make(chan struct{}, 1),
	}
}

// State returns the current state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pause drops the connection, e.g. when the app loses the foreground
func (c *Client) Pause() {
	c.mu.Lock()
	c.paused = true
	if c.cancelConn != nil {
		c.cancelConn()
	}
	c.mu.Unlock()
	c.signal()
}

// Resume reconnects from scratch and refreshes immediately
func (c *Client) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.signal()
}

// Run drives the client until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(Disconnected)

	polling := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if c.isPaused() {
			c.setState(Disconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			}
			if !c.isPaused() {
				polling = false
				c.backoff.Reset()
				c.refresh(ctx)
			}
			continue
		}

		if polling {
			c.setState(Polling)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
			case <-c.opts.After(c.opts.PollInterval):
				c.refresh(ctx)
			}
			continue
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isPaused() {
			continue
		}

		delay, ok := c.backoff.Next()
		if !ok {
			c.log.Warn("stream failed %d times, polling every %s: %v", c.opts.MaxAttempts+1, c.opts.PollInterval, err)
			polling = true
			continue
		}

		c.log.Info("stream lost (%v), reconnecting in %s", err, delay)
		c.setState(Reconnecting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-c.opts.After(delay):
		}
	}
}

// connectOnce holds one connection open until it fails
func (c *Client) connectOnce(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return nil
	}
	c.cancelConn = cancel
	if c.state != Reconnecting {
		c.setStateLocked(Connecting)
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancelConn = nil
		c.mu.Unlock()
	}()

	stream, err := c.transport.Connect(connCtx)
	if err != nil {
		return err
	}
	defer stream.Close()

	first, err := stream.Next()
	if err != nil {
		return err
	}
	if first.Name != EventConnected {
		return errNotGreeted
	}

	c.setState(Connected)
	c.backoff.Reset()
	c.refresh(connCtx)

	for {
		ev, err := stream.Next()
		if err != nil {
			return err
		}
		switch ev.Name {
		case EventInbox:
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(ev)
			}
		case EventHeartbeat:
		default:
			c.log.Debug("ignoring %q frame", ev.Name)
		}
	}
}

func (c *Client) refresh(ctx context.Context) {
	if c.opts.Refresh == nil {
		return
	}
	if err := c.opts.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("refresh failed: %v", err)
	}
}

func (c *Client) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}
