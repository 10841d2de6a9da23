// Package events fans mailbox notifications out to live connections.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame event names
const (
	EventConnected = "connected"
	EventInbox     = "inbox-event"
	EventHeartbeat = "heartbeat"
)

// Frame is one server-to-client message on a streaming channel
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// ConnectedData is sent once when a stream opens
type ConnectedData struct {
	MailboxID string    `json:"mailboxId"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectedFrame builds the greeting frame for a new stream
func ConnectedFrame(mailboxID string, at time.Time) Frame {
	return Frame{Event: EventConnected, Data: ConnectedData{MailboxID: mailboxID, Timestamp: at}}
}

// HeartbeatFrame carries no payload
func HeartbeatFrame() Frame {
	return Frame{Event: EventHeartbeat, Data: struct{}{}}
}

// EncodeSSE renders f in text/event-stream format
func EncodeSSE(f Frame) ([]byte, error) {
	data := f.Data
	if data == nil {
		data = struct{}{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Event, err)
	}
	return []byte("event: " + f.Event + "\ndata: " + string(payload) + "\n\n"), nil
}
