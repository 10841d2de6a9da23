package models

import "time"

// Mailbox is a single receiving address owned by an account. Only the
// display name may change after creation.
type Mailbox struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	LocalPart   string    `json:"local_part"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Address returns the full address of the mailbox on domain
func (m *Mailbox) Address(domain string) string {
	return m.LocalPart + "@" + domain
}
