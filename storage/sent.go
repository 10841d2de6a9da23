package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"go.etcd.io/bbolt"
)

// SentStorage handles outbound messages recorded for a mailbox
type SentStorage struct {
	db *bbolt.DB
}

// NewSentStorage creates a new sent message storage
func NewSentStorage(db *bbolt.DB) *SentStorage {
	return &SentStorage{db: db}
}

// CreateSent stores an outbound message and indexes it by thread and by
// external id so replies to it thread correctly.
func (s *SentStorage) CreateSent(sent *models.SentMessage) error {
	if sent.MailboxID == "" {
		return fmt.Errorf("sent message mailbox is required")
	}
	if sent.ID == "" {
		sent.ID = uuid.New().String()
	}
	if sent.SentAt.IsZero() {
		sent.SentAt = time.Now().UTC()
	}
	if sent.Status == "" {
		sent.Status = models.SentQueued
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putSentTx(tx, sent); err != nil {
			return err
		}

		if sent.ExternalMessageID != "" {
			ref, err := json.Marshal(models.ExternalRef{
				Kind:      models.KindSent,
				MessageID: sent.ID,
				ThreadID:  sent.ThreadID,
			})
			if err != nil {
				return err
			}
			key := externalKey(sent.MailboxID, sent.ExternalMessageID, kindSentTag)
			if err := tx.Bucket(externalIDBucket).Put(key, ref); err != nil {
				return err
			}
		}

		if sent.ThreadID != "" {
			key := joinKey(sent.ThreadID, sortableTime(sent.SentAt), sent.ID)
			return tx.Bucket(threadMessagesBucket).Put(key, []byte(kindSentTag))
		}
		return nil
	})
}

// GetSent retrieves an outbound message by ID
func (s *SentStorage) GetSent(id string) (*models.SentMessage, error) {
	var sent *models.SentMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		sent, err = getSentTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}

// UpdateStatus records the delivery outcome reported by the sending provider
func (s *SentStorage) UpdateStatus(id string, status models.SentStatus, deliveryID string) (*models.SentMessage, error) {
	switch status {
	case models.SentQueued, models.SentSent, models.SentFailed:
	default:
		return nil, fmt.Errorf("unknown sent status %q", status)
	}

	var sent *models.SentMessage
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		sent, err = getSentTx(tx, id)
		if err != nil {
			return err
		}
		sent.Status = status
		if deliveryID != "" {
			sent.DeliveryID = deliveryID
		}
		return putSentTx(tx, sent)
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}

func getSentTx(tx *bbolt.Tx, id string) (*models.SentMessage, error) {
	data := tx.Bucket(sentBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("sent message %s: %w", id, ErrNotFound)
	}
	var sent models.SentMessage
	if err := json.Unmarshal(data, &sent); err != nil {
		return nil, fmt.Errorf("failed to decode sent message: %w", err)
	}
	return &sent, nil
}

func putSentTx(tx *bbolt.Tx, sent *models.SentMessage) error {
	encoded, err := json.Marshal(sent)
	if err != nil {
		return fmt.Errorf("failed to encode sent message: %w", err)
	}
	return tx.Bucket(sentBucket).Put([]byte(sent.ID), encoded)
}
