package models

import "time"

// Thread is the denormalized summary of a conversation. Its counters are
// only written by the thread updater.
type Thread struct {
	ID               string    `json:"id"`
	MailboxID        string    `json:"mailbox_id"`
	Subject          string    `json:"subject"` // normalized
	Participants     []string  `json:"participants"`
	MessageCount     int       `json:"message_count"`
	UnreadCount      int       `json:"unread_count"`
	LatestMessageID  string    `json:"latest_message_id"`
	LatestPreview    string    `json:"latest_preview"`
	LatestActivityAt time.Time `json:"latest_activity_at"`
	Version          uint64    `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HasParticipant reports whether address is already in the participant set
func (t *Thread) HasParticipant(address string) bool {
	for _, p := range t.Participants {
		if p == address {
			return true
		}
	}
	return false
}

// ThreadEntry is one message of a thread as shown in a conversation view.
type ThreadEntry struct {
	Kind              MessageKind `json:"kind"`
	ID                string      `json:"id"`
	ExternalMessageID string      `json:"external_message_id"`
	InReplyTo         string      `json:"in_reply_to,omitempty"`
	References        []string    `json:"references,omitempty"`
	From              string      `json:"from"`
	Subject           string      `json:"subject"`
	Preview           string      `json:"preview"`
	Read              bool        `json:"read"`
	Date              time.Time   `json:"date"`
	Depth             int         `json:"depth"`
}
