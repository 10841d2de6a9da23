package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names. Index keys are built from ids joined with keySep.
var (
	mailboxBucket        = []byte("mailboxes")
	mailboxLocalBucket   = []byte("mailbox_local_parts")
	threadBucket         = []byte("threads")
	threadSubjectBucket  = []byte("thread_subjects")
	messageBucket        = []byte("messages")
	sentBucket           = []byte("sent_messages")
	threadMessagesBucket = []byte("thread_messages")
	externalIDBucket     = []byte("external_ids")
)

const keySep = "\x00"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key is already taken
	ErrDuplicate = errors.New("already exists")
)

// InitDB opens (creating if needed) the database file under dataDir and
// makes sure every bucket exists.
func InitDB(dataDir string) (*bbolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "innbox.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			mailboxBucket,
			mailboxLocalBucket,
			threadBucket,
			threadSubjectBucket,
			messageBucket,
			sentBucket,
			threadMessagesBucket,
			externalIDBucket,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func joinKey(parts ...string) []byte {
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep...)
		}
		key = append(key, p...)
	}
	return key
}

// prefixKey is joinKey plus a trailing separator, for cursor scans
func prefixKey(parts ...string) []byte {
	return append(joinKey(parts...), keySep...)
}

func hasPrefix(s, prefix []byte) bool {
	return len(s) >= len(prefix) && string(s[:len(prefix)]) == string(prefix)
}

// sortableTime formats t so byte order matches time order
func sortableTime(t time.Time) string {
	return t.UTC().Format("20060102T150405.000000000")
}
