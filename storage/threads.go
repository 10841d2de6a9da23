package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"go.etcd.io/bbolt"
)

// ThreadStorage handles thread summaries and the per-mailbox subject index.
// Counter changes go through MutateThread, RecountUnread or RebuildThread so every
// read-modify-write happens inside one write transaction.
type ThreadStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewThreadStorage creates a new thread storage
func NewThreadStorage(db *bbolt.DB) *ThreadStorage {
	return &ThreadStorage{db: db, now: time.Now}
}

// CreateThread stores a new thread and indexes it by normalized subject
func (s *ThreadStorage) CreateThread(thread *models.Thread) error {
	if thread.MailboxID == "" {
		return fmt.Errorf("thread mailbox is required")
	}
	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	thread.Version = 1
	if thread.Participants == nil {
		thread.Participants = []string{}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(threadBucket)
		if b.Get([]byte(thread.ID)) != nil {
			return fmt.Errorf("thread %s: %w", thread.ID, ErrDuplicate)
		}
		if err := putThreadTx(tx, thread); err != nil {
			return err
		}
		return tx.Bucket(threadSubjectBucket).Put(joinKey(thread.MailboxID, thread.Subject, thread.ID), []byte{})
	})
}

// GetThread retrieves a thread by ID
func (s *ThreadStorage) GetThread(id string) (*models.Thread, error) {
	var thread *models.Thread
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		thread, err = getThreadTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// MutateThread loads a thread, applies fn and writes the result back in a
// single transaction. Version and UpdatedAt are bumped on success. When fn
// returns an error nothing is written.
func (s *ThreadStorage) MutateThread(id string, fn func(*models.Thread) error) (*models.Thread, error) {
	var thread *models.Thread
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		thread, err = getThreadTx(tx, id)
		if err != nil {
			return err
		}
		if err := fn(thread); err != nil {
			return err
		}
		thread.Version++
		thread.UpdatedAt = s.now().UTC()
		return putThreadTx(tx, thread)
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// RecountUnread sets UnreadCount to the number of unread received messages
// in the thread.
func (s *ThreadStorage) RecountUnread(id string) (*models.Thread, error) {
	var thread *models.Thread
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		thread, err = getThreadTx(tx, id)
		if err != nil {
			return err
		}

		unread := 0
		messages := tx.Bucket(messageBucket)
		prefix := prefixKey(id)
		c := tx.Bucket(threadMessagesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if string(v) != kindReceivedTag {
				continue
			}
			data := messages.Get([]byte(lastKeyPart(k)))
			if data == nil {
				continue
			}
			var msg models.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				return fmt.Errorf("failed to decode message: %w", err)
			}
			if !msg.Read {
				unread++
			}
		}

		if unread > thread.MessageCount {
			unread = thread.MessageCount
		}
		thread.UnreadCount = unread
		thread.Version++
		thread.UpdatedAt = s.now().UTC()
		return putThreadTx(tx, thread)
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// RebuildThread recomputes a thread's counters, latest message and
// participants from the messages stored in it. A thread without stored
// messages is deleted together with its subject index entry, and nil is
// returned.
func (s *ThreadStorage) RebuildThread(id string) (*models.Thread, error) {
	var thread *models.Thread
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getThreadTx(tx, id)
		if err != nil {
			return err
		}

		count, unread := 0, 0
		var participants []string
		seen := make(map[string]bool)
		addParticipants := func(list ...string) {
			for _, p := range list {
				p = strings.ToLower(strings.TrimSpace(p))
				if p != "" && !seen[p] {
					seen[p] = true
					participants = append(participants, p)
				}
			}
		}

		var latest *models.ThreadEntry
		prefix := prefixKey(id)
		c := tx.Bucket(threadMessagesBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry models.ThreadEntry
			switch string(v) {
			case kindReceivedTag:
				msg, err := getMessageTx(tx, lastKeyPart(k))
				if err != nil {
					return err
				}
				if !msg.Read {
					unread++
				}
				addParticipants(msg.FromAddress)
				entry = receivedEntry(msg)
			case kindSentTag:
				sent, err := getSentTx(tx, lastKeyPart(k))
				if err != nil {
					return err
				}
				addParticipants(sent.Recipients()...)
				entry = sentEntry(sent)
			default:
				continue
			}
			count++
			// keys are in time order, so the last entry is the newest
			latest = &entry
		}

		if latest == nil {
			if err := tx.Bucket(threadBucket).Delete([]byte(id)); err != nil {
				return err
			}
			return tx.Bucket(threadSubjectBucket).Delete(joinKey(current.MailboxID, current.Subject, current.ID))
		}

		if participants == nil {
			participants = []string{}
		}
		current.MessageCount = count
		current.UnreadCount = unread
		current.Participants = participants
		current.LatestMessageID = latest.ID
		current.LatestPreview = latest.Preview
		current.LatestActivityAt = latest.Date
		current.Version++
		current.UpdatedAt = s.now().UTC()
		thread = current
		return putThreadTx(tx, current)
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// FindThreadsBySubject returns the mailbox's threads whose normalized subject
// equals subject, most recent activity first.
func (s *ThreadStorage) FindThreadsBySubject(mailboxID, subject string) ([]*models.Thread, error) {
	threads := []*models.Thread{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := prefixKey(mailboxID, subject)
		c := tx.Bucket(threadSubjectBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			rest := k[len(prefix):]
			// a longer subject that continues with the separator
			if bytes.IndexByte(rest, keySep[0]) >= 0 {
				continue
			}
			threadID := string(rest)
			thread, err := getThreadTx(tx, threadID)
			if err != nil {
				return err
			}
			threads = append(threads, thread)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByActivity(threads)
	return threads, nil
}

// ListThreads returns every thread of a mailbox, most recent activity first
func (s *ThreadStorage) ListThreads(mailboxID string) ([]*models.Thread, error) {
	threads := []*models.Thread{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := prefixKey(mailboxID)
		c := tx.Bucket(threadSubjectBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			threadID := lastKeyPart(k)
			thread, err := getThreadTx(tx, threadID)
			if err != nil {
				return err
			}
			threads = append(threads, thread)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByActivity(threads)
	return threads, nil
}

func sortByActivity(threads []*models.Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].LatestActivityAt.After(threads[j].LatestActivityAt)
	})
}

func getThreadTx(tx *bbolt.Tx, id string) (*models.Thread, error) {
	data := tx.Bucket(threadBucket).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	var thread models.Thread
	if err := json.Unmarshal(data, &thread); err != nil {
		return nil, fmt.Errorf("failed to decode thread: %w", err)
	}
	return &thread, nil
}

func putThreadTx(tx *bbolt.Tx, thread *models.Thread) error {
	encoded, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("failed to encode thread: %w", err)
	}
	return tx.Bucket(threadBucket).Put([]byte(thread.ID), encoded)
}

func lastKeyPart(k []byte) string {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == keySep[0] {
			return string(k[i+1:])
		}
	}
	return string(k)
}
