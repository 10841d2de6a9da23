package models

import "time"

// SentStatus is the delivery state of an outbound message
type SentStatus string

const (
	SentQueued SentStatus = "queued"
	SentSent   SentStatus = "sent"
	SentFailed SentStatus = "failed"
)

// SentMessage is an outbound message. Only Status changes after it is stored.
type SentMessage struct {
	ID                 string     `json:"id"`
	MailboxID          string     `json:"mailbox_id"`
	ThreadID           string     `json:"thread_id,omitempty"`
	InReplyToMessageID string     `json:"in_reply_to_message_id,omitempty"`
	To                 []string   `json:"to"`
	Cc                 []string   `json:"cc,omitempty"`
	Bcc                []string   `json:"bcc,omitempty"`
	Subject            string     `json:"subject"`
	Text               string     `json:"text,omitempty"`
	HTML               string     `json:"html,omitempty"`
	Preview            string     `json:"preview"`
	ExternalMessageID  string     `json:"external_message_id"`
	DeliveryID         string     `json:"delivery_id,omitempty"`
	Status             SentStatus `json:"status"`
	SentAt             time.Time  `json:"sent_at"`
}

// Recipients returns To and Cc addresses; Bcc recipients are not participants
func (s *SentMessage) Recipients() []string {
	out := make([]string, 0, len(s.To)+len(s.Cc))
	out = append(out, s.To...)
	return append(out, s.Cc...)
}
