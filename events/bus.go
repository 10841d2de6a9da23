package events

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/utils"
)

// DefaultHeartbeatInterval keeps idle streams alive through proxies
const DefaultHeartbeatInterval = 30 * time.Second

// ErrBusStopped is returned by Subscribe before Start or after Stop
var ErrBusStopped = errors.New("event bus is not running")

// Broker delivers mailbox notifications to subscribed connections
type Broker interface {
	Subscribe(mailboxID, accountID string, sink Sink) (func(), error)
	Publish(mailboxID string, event models.NotificationEvent) int
}

type handle struct {
	id        string
	mailboxID string
	accountID string
	sink      Sink
}

// Bus is an in-process Broker. Delivery is best effort: a handle whose sink
// fails is removed and closed, other handles are unaffected.
type Bus struct {
	interval time.Duration
	log      *utils.Logger

	mu      sync.Mutex
	subs    map[string]map[string]*handle
	count   int
	running bool
	stopped bool
	hbStop  chan struct{}
	wg      sync.WaitGroup
}

// NewBus creates a bus; call Start before subscribing
func NewBus(heartbeatInterval time.Duration) *Bus {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Bus{
		interval: heartbeatInterval,
		log:      utils.Log.WithField("component", "event-bus"),
		subs:     make(map[string]map[string]*handle),
	}
}

// Start allows subscriptions. Starting a stopped bus fails.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return ErrBusStopped
	}
	b.running = true
	return nil
}

// Stop drops and closes every handle and waits for the heartbeat loop to exit
func (b *Bus) Stop() {
	b.mu.Lock()
	b.running = false
	b.stopped = true
	var dropped []*handle
	for _, set := range b.subs {
		for _, h := range set {
			dropped = append(dropped, h)
		}
	}
	b.subs = make(map[string]map[string]*handle)
	b.count = 0
	b.stopHeartbeatLocked()
	b.mu.Unlock()

	for _, h := range dropped {
		h.sink.Close()
	}
	b.wg.Wait()
}

// Subscribe registers sink for mailboxID. The returned func unsubscribes
// and closes the sink; calling it more than once is harmless.
func (b *Bus) Subscribe(mailboxID, accountID string, sink Sink) (func(), error) {
	h := &handle{
		id:        uuid.New().String(),
		mailboxID: mailboxID,
		accountID: accountID,
		sink:      sink,
	}

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil, ErrBusStopped
	}
	set, ok := b.subs[mailboxID]
	if !ok {
		set = make(map[string]*handle)
		b.subs[mailboxID] = set
	}
	set[h.id] = h
	b.count++
	if b.hbStop == nil {
		b.startHeartbeatLocked()
	}
	b.mu.Unlock()

	b.log.Debug("subscribed handle %s to mailbox %s", h.id, mailboxID)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove([]*handle{h})
			h.sink.Close()
		})
	}, nil
}

// Publish sends event to every handle of mailboxID and returns how many
// accepted it. Publishing to a mailbox without subscribers does nothing.
func (b *Bus) Publish(mailboxID string, event models.NotificationEvent) int {
	b.mu.Lock()
	set := b.subs[mailboxID]
	targets := make([]*handle, 0, len(set))
	for _, h := range set {
		targets = append(targets, h)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return 0
	}

	frame := Frame{Event: EventInbox, Data: event}
	delivered, failed := b.deliver(targets, frame)
	if len(failed) > 0 {
		b.log.Warn("dropped %d handle(s) of mailbox %s after failed delivery", len(failed), mailboxID)
	}
	return delivered
}

// Subscribers reports how many handles are registered for mailboxID
func (b *Bus) Subscribers(mailboxID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[mailboxID])
}

// HeartbeatRunning reports whether the heartbeat loop is active
func (b *Bus) HeartbeatRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hbStop != nil
}

// deliver writes frame to each handle outside the lock and removes the ones
// that fail.
func (b *Bus) deliver(targets []*handle, frame Frame) (int, []*handle) {
	delivered := 0
	var failed []*handle
	for _, h := range targets {
		if err := h.sink.Send(frame); err != nil {
			b.log.Debug("send %s to handle %s failed: %v", frame.Event, h.id, err)
			failed = append(failed, h)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		removed := b.remove(failed)
		for _, h := range removed {
			h.sink.Close()
		}
	}
	return delivered, failed
}

// remove unregisters handles that are still present and returns them
func (b *Bus) remove(handles []*handle) []*handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := make([]*handle, 0, len(handles))
	for _, h := range handles {
		set, ok := b.subs[h.mailboxID]
		if !ok {
			continue
		}
		if _, ok := set[h.id]; !ok {
			continue
		}
		delete(set, h.id)
		b.count--
		removed = append(removed, h)
		if len(set) == 0 {
			delete(b.subs, h.mailboxID)
		}
	}

	if b.count == 0 {
		b.stopHeartbeatLocked()
	}
	return removed
}

func (b *Bus) startHeartbeatLocked() {
	stop := make(chan struct{})
	b.hbStop = stop
	b.wg.Add(1)
	go b.heartbeatLoop(stop)
}

func (b *Bus) stopHeartbeatLocked() {
	if b.hbStop != nil {
		close(b.hbStop)
		b.hbStop = nil
	}
}

func (b *Bus) heartbeatLoop(stop <-chan struct{}) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

func (b *Bus) heartbeat() {
	b.mu.Lock()
	targets := make([]*handle, 0, b.count)
	for _, set := range b.subs {
		for _, h := range set {
			targets = append(targets, h)
		}
	}
	b.mu.Unlock()

	if _, failed := b.deliver(targets, HeartbeatFrame()); len(failed) > 0 {
		b.log.Info("heartbeat dropped %d handle(s)", len(failed))
	}
}
