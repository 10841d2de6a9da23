package events

import (
	"errors"
	"sync"
)

var (
	ErrSinkFull   = errors.New("sink buffer full")
	ErrSinkClosed = errors.New("sink closed")
)

// Sink is the write side of one live connection. Send must not block.
type Sink interface {
	Send(Frame) error
	Close()
}

// ChannelSink buffers frames for a connection writer goroutine. A reader
// that falls behind by more than the buffer gets dropped by the bus.
type ChannelSink struct {
	mu     sync.Mutex
	frames chan Frame
	done   chan struct{}
	closed bool
}

// NewChannelSink creates a sink holding up to size pending frames
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 16
	}
	return &ChannelSink{
		frames: make(chan Frame, size),
		done:   make(chan struct{}),
	}
}

// Send queues f without blocking
func (s *ChannelSink) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.frames <- f:
		return nil
	default:
		return ErrSinkFull
	}
}

// Close marks the sink closed and wakes the writer. Safe to call twice.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Frames is read by the connection writer
func (s *ChannelSink) Frames() <-chan Frame {
	return s.frames
}

// Done is closed once the sink has been closed
func (s *ChannelSink) Done() <-chan struct{} {
	return s.done
}
