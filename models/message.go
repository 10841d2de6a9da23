package models

import "time"

// MessageKind tells received and sent messages apart in shared indexes
type MessageKind string

const (
	KindReceived MessageKind = "received"
	KindSent     MessageKind = "sent"
)

// Message is a received message. Only Read and Starred change after it is stored.
type Message struct {
	ID                string            `json:"id"`
	MailboxID         string            `json:"mailbox_id"`
	ThreadID          string            `json:"thread_id,omitempty"`
	ExternalMessageID string            `json:"external_message_id"`
	FromAddress       string            `json:"from_address"`
	FromName          string            `json:"from_name,omitempty"`
	ToAddress         string            `json:"to_address"`
	ReplyTo           string            `json:"reply_to,omitempty"`
	Subject           string            `json:"subject"`
	Text              string            `json:"text,omitempty"`
	HTML              string            `json:"html,omitempty"`
	Preview           string            `json:"preview"`
	Headers           map[string]string `json:"headers"`
	Attachments       []Attachment      `json:"attachments,omitempty"`
	RawKey            string            `json:"raw_key,omitempty"`
	Read              bool              `json:"read"`
	Starred           bool              `json:"starred"`
	ReceivedAt        time.Time         `json:"received_at"`
}

// Attachment is the stored form of an inbound attachment; the bytes live in
// the blob store under Key.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
	Key      string `json:"key"`
	URL      string `json:"url"`
}

// ExternalRef records which stored message carries an external message id
type ExternalRef struct {
	Kind      MessageKind `json:"kind"`
	MessageID string      `json:"message_id"`
	ThreadID  string      `json:"thread_id,omitempty"`
}

// BlobRef is what the object store returns for an uploaded blob
type BlobRef struct {
	Key string `json:"key"`
	URL string `json:"url"`
}
