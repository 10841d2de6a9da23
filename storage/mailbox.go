package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"go.etcd.io/bbolt"
)

// MailboxStorage persists mailboxes and the local-part index used for routing
type MailboxStorage struct {
	db *bbolt.DB
}

// NewMailboxStorage creates a new mailbox storage
func NewMailboxStorage(db *bbolt.DB) *MailboxStorage {
	return &MailboxStorage{db: db}
}

// CreateMailbox stores a new mailbox. Local parts are unique and lowercased.
func (s *MailboxStorage) CreateMailbox(mailbox *models.Mailbox) error {
	mailbox.LocalPart = strings.ToLower(strings.TrimSpace(mailbox.LocalPart))
	if mailbox.LocalPart == "" {
		return fmt.Errorf("local part is required")
	}
	if mailbox.ID == "" {
		mailbox.ID = uuid.New().String()
	}
	if mailbox.CreatedAt.IsZero() {
		mailbox.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		local := tx.Bucket(mailboxLocalBucket)
		if local.Get([]byte(mailbox.LocalPart)) != nil {
			return fmt.Errorf("mailbox %q: %w", mailbox.LocalPart, ErrDuplicate)
		}

		encoded, err := json.Marshal(mailbox)
		if err != nil {
			return fmt.Errorf("failed to encode mailbox: %w", err)
		}
		if err := tx.Bucket(mailboxBucket).Put([]byte(mailbox.ID), encoded); err != nil {
			return err
		}
		return local.Put([]byte(mailbox.LocalPart), []byte(mailbox.ID))
	})
}

// GetMailbox retrieves a mailbox by ID
func (s *MailboxStorage) GetMailbox(id string) (*models.Mailbox, error) {
	var mailbox *models.Mailbox
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		mailbox, err = getMailboxTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mailbox, nil
}

// GetMailboxByLocalPart looks a mailbox up by the part of its address before the @
func (s *MailboxStorage) GetMailboxByLocalPart(localPart string) (*models.Mailbox, error) {
	var mailbox *models.Mailbox
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(mailboxLocalBucket).Get([]byte(strings.ToLower(localPart)))
		if id == nil {
			return fmt.Errorf("mailbox %q: %w", localPart, ErrNotFound)
		}
		var err error
		mailbox, err = getMailboxTx(tx, string(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return mailbox, nil
}

// ListMailboxesByAccount returns every mailbox owned by accountID
func (s *MailboxStorage) ListMailboxesByAccount(accountID string) ([]*models.Mailbox, error) {
	mailboxes := []*models.Mailbox{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(mailboxBucket).ForEach(func(k, v []byte) error {
			var mailbox models.Mailbox
			if err := json.Unmarshal(v, &mailbox); err != nil {
				return err
			}
			if mailbox.AccountID == accountID {
				mailboxes = append(mailboxes, &mailbox)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return mailboxes, nil
}

// UpdateDisplayName changes the only mutable field of a mailbox
func (s *MailboxStorage) UpdateDisplayName(id, displayName string) (*models.Mailbox, error) {
	var mailbox *models.Mailbox
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		mailbox, err = getMailboxTx(tx, id)
		if err != nil {
			return err
		}
		mailbox.DisplayName = displayName

		encoded, err := json.Marshal(mailbox)
		if err != nil {
			return fmt.Errorf("failed to encode mailbox: %w", err)
		}
		return tx.Bucket(mailboxBucket).Put([]byte(id), encoded)
	})
	if err != nil {
		return nil, err
	}
	return mailbox, nil
}

func getMailboxTx(tx *bbolt.Tx, id string) (*models.Mailbox, error) {
	data := tx.Bucket(mailboxBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("mailbox %s: %w", id, ErrNotFound)
	}
	var mailbox models.Mailbox
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil, fmt.Errorf("failed to decode mailbox: %w", err)
	}
	return &mailbox, nil
}
