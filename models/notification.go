package models

import "time"

// NotificationType names what changed in a mailbox
type NotificationType string

const (
	NotificationNewMessage   NotificationType = "new_message"
	NotificationThreadUpdate NotificationType = "thread_update"
)

// NotificationEvent is delivered to live subscribers only and never stored
type NotificationEvent struct {
	Type      NotificationType `json:"type"`
	ThreadID  string           `json:"threadId"`
	MessageID string           `json:"messageId,omitempty"`
	Preview   string           `json:"preview,omitempty"`
	From      string           `json:"from,omitempty"`
	Subject   string           `json:"subject,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}
