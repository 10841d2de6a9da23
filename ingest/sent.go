package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/threading"
	"github.com/wayjake/innbox/utils"
)

// ErrInvalidSent means an outbound record is missing required fields
var ErrInvalidSent = errors.New("invalid sent message")

// RecordSent stores an outbound message in its conversation. Replies join
// the thread of the message they answer; other messages are threaded like
// inbound mail but never count as unread.
func (g *Gateway) RecordSent(ctx context.Context, mailboxID string, sent *models.SentMessage) (*models.SentMessage, error) {
	if g.deps.Sent == nil {
		return nil, fmt.Errorf("sent messages are not configured")
	}

	sent.ID = uuid.New().String()
	sent.MailboxID = mailboxID
	sent.To = lowerAll(sent.To)
	sent.Cc = lowerAll(sent.Cc)
	sent.Bcc = lowerAll(sent.Bcc)
	if len(sent.To) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidSent)
	}
	sent.Preview = utils.BuildPreview(sent.Text, sent.HTML, g.cfg.PreviewLength)
	sent.SentAt = g.now()
	switch sent.Status {
	case "":
		sent.Status = models.SentQueued
	case models.SentQueued, models.SentSent, models.SentFailed:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidSent, sent.Status)
	}
	if sent.ExternalMessageID == "" {
		sent.ExternalMessageID = "<" + uuid.New().String() + "@" + g.cfg.Domain + ">"
	}
	sent.ExternalMessageID = utils.NormalizeMessageID(sent.ExternalMessageID)

	unlock := g.locks.Lock(mailboxID)
	defer unlock()

	threadID, found, err := g.sentThread(ctx, mailboxID, sent)
	if err != nil {
		return nil, err
	}

	if found {
		_, err = g.deps.Updater.ApplyMessage(ctx, threadID, threading.Delta{
			MessageID:    sent.ID,
			Participants: sent.Recipients(),
			Preview:      sent.Preview,
			At:           sent.SentAt,
		})
	} else {
		var thread *models.Thread
		thread, err = g.deps.Updater.CreateThread(ctx, threading.NewThread{
			MailboxID:    mailboxID,
			Subject:      utils.NormalizeSubject(sent.Subject),
			Participants: sent.Recipients(),
			MessageID:    sent.ID,
			Preview:      sent.Preview,
			At:           sent.SentAt,
		})
		if thread != nil {
			threadID = thread.ID
		}
	}
	if err != nil {
		return nil, err
	}

	sent.ThreadID = threadID
	if err := g.deps.Sent.CreateSent(sent); err != nil {
		g.rebuildThread(threadID)
		return nil, fmt.Errorf("persist sent message: %w", err)
	}

	g.deps.Broker.Publish(mailboxID, models.NotificationEvent{
		Type:      models.NotificationThreadUpdate,
		ThreadID:  threadID,
		MessageID: sent.ID,
		Preview:   sent.Preview,
		Subject:   sent.Subject,
		Timestamp: sent.SentAt,
	})
	g.log.Info("recorded sent message %s in thread %s", sent.ID, threadID)

	return sent, nil
}

// sentThread finds the thread an outbound message belongs to
func (g *Gateway) sentThread(ctx context.Context, mailboxID string, sent *models.SentMessage) (string, bool, error) {
	headers := map[string]string{}

	if sent.InReplyToMessageID != "" {
		parent, err := g.deps.Messages.GetMessage(sent.InReplyToMessageID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && parent.MailboxID != mailboxID) {
			return "", false, fmt.Errorf("%w: message %s not found in mailbox", ErrInvalidSent, sent.InReplyToMessageID)
		}
		if err != nil {
			return "", false, err
		}
		if parent.ThreadID != "" {
			return parent.ThreadID, true, nil
		}
		headers["In-Reply-To"] = parent.ExternalMessageID
	}

	return g.deps.Resolver.Resolve(ctx, mailboxID, sent.ExternalMessageID, headers, sent.Subject, sent.SentAt)
}

func lowerAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
