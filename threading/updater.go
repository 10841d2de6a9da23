package threading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wayjake/innbox/models"
)

// Store is the thread persistence the updater needs. MutateThread must run
// fn and write its result in one transaction.
type Store interface {
	CreateThread(thread *models.Thread) error
	MutateThread(id string, fn func(*models.Thread) error) (*models.Thread, error)
	RecountUnread(id string) (*models.Thread, error)
	RebuildThread(id string) (*models.Thread, error)
}

// NewThread seeds a thread from its first message
type NewThread struct {
	ID           string
	MailboxID    string
	Subject      string // normalized
	Participants []string
	MessageID    string
	Preview      string
	At           time.Time
	Unread       bool
}

// Delta describes one message being added to an existing thread
type Delta struct {
	MessageID    string
	Participants []string
	Preview      string
	At           time.Time
	UnreadDelta  int
}

// Updater is the only writer of thread counters
type Updater struct {
	store Store
}

// NewUpdater creates an updater over store
func NewUpdater(store Store) *Updater {
	return &Updater{store: store}
}

// CreateThread stores a thread holding exactly one message
func (u *Updater) CreateThread(ctx context.Context, n NewThread) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unread := 0
	if n.Unread {
		unread = 1
	}

	thread := &models.Thread{
		ID:               n.ID,
		MailboxID:        n.MailboxID,
		Subject:          n.Subject,
		Participants:     mergeParticipants(nil, n.Participants),
		MessageCount:     1,
		UnreadCount:      unread,
		LatestMessageID:  n.MessageID,
		LatestPreview:    n.Preview,
		LatestActivityAt: n.At,
		CreatedAt:        n.At,
	}
	if err := u.store.CreateThread(thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

// ApplyMessage adds one message to a thread
func (u *Updater) ApplyMessage(ctx context.Context, threadID string, d Delta) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thread, err := u.store.MutateThread(threadID, func(t *models.Thread) error {
		applyDelta(t, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply message to thread %s: %w", threadID, err)
	}
	return thread, nil
}

// RecalculateUnread recomputes a thread's unread count from its messages
func (u *Updater) RecalculateUnread(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thread, err := u.store.RecountUnread(threadID)
	if err != nil {
		return nil, fmt.Errorf("recalculate unread for thread %s: %w", threadID, err)
	}
	return thread, nil
}

// Rebuild brings a thread back in line with the messages actually stored in
// it, after a message that was applied or seeded could not be persisted. It
// returns nil when the thread had no stored messages and was removed.
func (u *Updater) Rebuild(ctx context.Context, threadID string) (*models.Thread, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thread, err := u.store.RebuildThread(threadID)
	if err != nil {
		return nil, fmt.Errorf("rebuild thread %s: %w", threadID, err)
	}
	return thread, nil
}

// applyDelta never moves LatestActivityAt backwards and keeps UnreadCount
// within [0, MessageCount].
func applyDelta(t *models.Thread, d Delta) {
	t.MessageCount++

	if !d.At.Before(t.LatestActivityAt) {
		t.LatestActivityAt = d.At
		t.LatestMessageID = d.MessageID
		t.LatestPreview = d.Preview
	}

	t.Participants = mergeParticipants(t.Participants, d.Participants)

	t.UnreadCount += d.UnreadDelta
	if t.UnreadCount < 0 {
		t.UnreadCount = 0
	}
	if t.UnreadCount > t.MessageCount {
		t.UnreadCount = t.MessageCount
	}
}

func mergeParticipants(existing, add []string) []string {
	out := make([]string, 0, len(existing)+len(add))
	seen := make(map[string]bool, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, p := range list {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
