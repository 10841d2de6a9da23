package models

// InboundPayload is the JSON body the mail relay posts for each received message
type InboundPayload struct {
	ExternalMessageID string              `json:"externalMessageId"`
	From              InboundAddress      `json:"from"`
	To                string              `json:"to"`
	ReplyTo           string              `json:"replyTo,omitempty"`
	Subject           string              `json:"subject,omitempty"`
	Text              string              `json:"text,omitempty"`
	HTML              string              `json:"html,omitempty"`
	Headers           map[string]string   `json:"headers"`
	Attachments       []InboundAttachment `json:"attachments"`
	RawMessage        string              `json:"rawMessage,omitempty"` // base64
}

// InboundAddress is a sender address with optional display name
type InboundAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// InboundAttachment carries base64 encoded attachment content
type InboundAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}
