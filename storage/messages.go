package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/utils"
	"go.etcd.io/bbolt"
)

// Tags stored in the thread and external-id indexes
const (
	kindReceivedTag = "r"
	kindSentTag     = "s"
)

// MessageStorage handles received messages, the per-thread message index and
// the external message id index shared with sent messages.
type MessageStorage struct {
	db *bbolt.DB
}

// NewMessageStorage creates a new message storage
func NewMessageStorage(db *bbolt.DB) *MessageStorage {
	return &MessageStorage{db: db}
}

// CreateMessage stores a received message. A second message with the same
// external id in the same mailbox is rejected with ErrDuplicate.
func (s *MessageStorage) CreateMessage(msg *models.Message) error {
	if msg.MailboxID == "" {
		return fmt.Errorf("message mailbox is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		var extKey []byte
		if msg.ExternalMessageID != "" {
			extKey = externalKey(msg.MailboxID, msg.ExternalMessageID, kindReceivedTag)
			if tx.Bucket(externalIDBucket).Get(extKey) != nil {
				return fmt.Errorf("message %s: %w", msg.ExternalMessageID, ErrDuplicate)
			}
		}

		if err := putMessageTx(tx, msg); err != nil {
			return err
		}

		if extKey != nil {
			ref, err := json.Marshal(models.ExternalRef{
				Kind:      models.KindReceived,
				MessageID: msg.ID,
				ThreadID:  msg.ThreadID,
			})
			if err != nil {
				return err
			}
			if err := tx.Bucket(externalIDBucket).Put(extKey, ref); err != nil {
				return err
			}
		}

		if msg.ThreadID != "" {
			key := joinKey(msg.ThreadID, sortableTime(msg.ReceivedAt), msg.ID)
			return tx.Bucket(threadMessagesBucket).Put(key, []byte(kindReceivedTag))
		}
		return nil
	})
}

// GetMessage retrieves a received message by ID
func (s *MessageStorage) GetMessage(id string) (*models.Message, error) {
	var msg *models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessageTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// HasReceived reports whether a received message with this external id is
// already stored in the mailbox.
func (s *MessageStorage) HasReceived(mailboxID, externalID string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(externalIDBucket).Get(externalKey(mailboxID, externalID, kindReceivedTag)) != nil
		return nil
	})
	return found, err
}

// LookupExternal returns every stored message (received or sent) of the
// mailbox whose own external id equals externalID.
func (s *MessageStorage) LookupExternal(mailboxID, externalID string) ([]models.ExternalRef, error) {
	refs := []models.ExternalRef{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := prefixKey(mailboxID, utils.NormalizeMessageID(externalID))
		c := tx.Bucket(externalIDBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var ref models.ExternalRef
			if err := json.Unmarshal(v, &ref); err != nil {
				return fmt.Errorf("failed to decode external ref: %w", err)
			}
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ListThreadMessages returns the received messages of a thread, oldest first
func (s *MessageStorage) ListThreadMessages(threadID string) ([]*models.Message, error) {
	messages := []*models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := prefixKey(threadID)
		c := tx.Bucket(threadMessagesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if string(v) != kindReceivedTag {
				continue
			}
			msg, err := getMessageTx(tx, lastKeyPart(k))
			if err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// ListThreadEntries returns received and sent messages of a thread as
// conversation entries, oldest first.
func (s *MessageStorage) ListThreadEntries(threadID string) ([]models.ThreadEntry, error) {
	entries := []models.ThreadEntry{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := prefixKey(threadID)
		c := tx.Bucket(threadMessagesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			id := lastKeyPart(k)
			switch string(v) {
			case kindReceivedTag:
				msg, err := getMessageTx(tx, id)
				if err != nil {
					return err
				}
				entries = append(entries, receivedEntry(msg))
			case kindSentTag:
				sent, err := getSentTx(tx, id)
				if err != nil {
					return err
				}
				entry := sentEntry(sent)
				if sent.InReplyToMessageID != "" {
					if parent, err := getMessageTx(tx, sent.InReplyToMessageID); err == nil {
						entry.InReplyTo = utils.NormalizeMessageID(parent.ExternalMessageID)
					}
				}
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// SetRead marks the given messages of a mailbox read or unread and returns
// the ids of the threads they belong to. Messages from other mailboxes are
// skipped.
func (s *MessageStorage) SetRead(mailboxID string, ids []string, read bool) ([]string, error) {
	touched := []string{}
	seen := make(map[string]bool)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, id := range ids {
			msg, err := getMessageTx(tx, id)
			if err != nil || msg.MailboxID != mailboxID {
				continue
			}
			if msg.Read == read {
				continue
			}
			msg.Read = read
			if err := putMessageTx(tx, msg); err != nil {
				return err
			}
			if msg.ThreadID != "" && !seen[msg.ThreadID] {
				seen[msg.ThreadID] = true
				touched = append(touched, msg.ThreadID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return touched, nil
}

// SetStarred flags or unflags a message
func (s *MessageStorage) SetStarred(mailboxID, id string, starred bool) (*models.Message, error) {
	var msg *models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		msg, err = getMessageTx(tx, id)
		if err != nil {
			return err
		}
		if msg.MailboxID != mailboxID {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		msg.Starred = starred
		return putMessageTx(tx, msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func receivedEntry(msg *models.Message) models.ThreadEntry {
	return models.ThreadEntry{
		Kind:              models.KindReceived,
		ID:                msg.ID,
		ExternalMessageID: utils.NormalizeMessageID(msg.ExternalMessageID),
		InReplyTo:         firstOrEmpty(utils.ExtractReferences(map[string]string{"In-Reply-To": utils.HeaderValue(msg.Headers, "In-Reply-To")})),
		References:        utils.ExtractReferences(map[string]string{"References": utils.HeaderValue(msg.Headers, "References")}),
		From:              msg.FromAddress,
		Subject:           msg.Subject,
		Preview:           msg.Preview,
		Read:              msg.Read,
		Date:              msg.ReceivedAt,
	}
}

func sentEntry(sent *models.SentMessage) models.ThreadEntry {
	return models.ThreadEntry{
		Kind:              models.KindSent,
		ID:                sent.ID,
		ExternalMessageID: utils.NormalizeMessageID(sent.ExternalMessageID),
		Subject:           sent.Subject,
		Preview:           sent.Preview,
		Read:              true,
		Date:              sent.SentAt,
	}
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func externalKey(mailboxID, externalID, tag string) []byte {
	return joinKey(mailboxID, utils.NormalizeMessageID(externalID), tag)
}

func getMessageTx(tx *bbolt.Tx, id string) (*models.Message, error) {
	data := tx.Bucket(messageBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

func putMessageTx(tx *bbolt.Tx, msg *models.Message) error {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return tx.Bucket(messageBucket).Put([]byte(msg.ID), encoded)
}
