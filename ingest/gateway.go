// Package ingest turns signed relay webhooks into stored, threaded messages
// and notifies live subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wayjake/innbox/events"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/threading"
	"github.com/wayjake/innbox/utils"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAuthentication means the signature was missing or wrong
	ErrAuthentication = errors.New("webhook signature verification failed")
	// ErrMalformed means the body could not be decoded or misses required fields
	ErrMalformed = errors.New("malformed inbound payload")
	// ErrRouting means no recipient belongs to the serving domain
	ErrRouting = errors.New("recipient is not served here")
	// ErrMailboxNotFound means the recipient's local part has no mailbox
	ErrMailboxNotFound = errors.New("mailbox not found")
)

// Result statuses
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
)

const mailboxCacheTTL = time.Minute

// Config holds the gateway settings taken from the service configuration
type Config struct {
	Domain        string
	Secret        string
	PreviewLength int
}

// MailboxFinder resolves the local part of a recipient address
type MailboxFinder interface {
	GetMailboxByLocalPart(localPart string) (*models.Mailbox, error)
	GetMailbox(id string) (*models.Mailbox, error)
}

// MessageStore persists received messages
type MessageStore interface {
	HasReceived(mailboxID, externalID string) (bool, error)
	CreateMessage(msg *models.Message) error
	GetMessage(id string) (*models.Message, error)
}

// SentStore persists outbound messages
type SentStore interface {
	CreateSent(sent *models.SentMessage) error
}

// Deps are the collaborators of a Gateway
type Deps struct {
	Mailboxes MailboxFinder
	Messages  MessageStore
	Sent      SentStore
	Resolver  *threading.Resolver
	Updater   *threading.Updater
	Blobs     storage.BlobStore
	Broker    events.Broker
}

// Result describes the outcome of one delivery
type Result struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
	MailboxID string `json:"mailboxId"`
	ThreadID  string `json:"threadId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	NewThread bool   `json:"newThread"`
}

// Gateway authenticates, routes, threads, stores and announces inbound mail
type Gateway struct {
	cfg   Config
	deps  Deps
	locks *utils.KeyedMutex
	cache *utils.MemoryCache[*models.Mailbox]
	now   func() time.Time
	log   *utils.Logger
}

// NewGateway creates a gateway. Close releases its mailbox cache.
func NewGateway(cfg Config, deps Deps) *Gateway {
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 200
	}
	return &Gateway{
		cfg:   cfg,
		deps:  deps,
		locks: utils.NewKeyedMutex(),
		cache: utils.NewMemoryCache[*models.Mailbox](mailboxCacheTTL, mailboxCacheTTL),
		now:   func() time.Time { return time.Now().UTC() },
		log:   utils.Log.WithField("component", "ingest"),
	}
}

// Close stops background work
func (g *Gateway) Close() {
	g.cache.Stop()
}

// Ingest processes one webhook delivery. body must be the exact bytes the
// relay signed.
func (g *Gateway) Ingest(ctx context.Context, body []byte, signature string) (*Result, error) {
	if !VerifySignature(g.cfg.Secret, body, signature) {
		return nil, ErrAuthentication
	}

	in, err := decodePayload(body)
	if err != nil {
		return nil, err
	}

	localPart, err := routeRecipient(in.payload.To, g.cfg.Domain)
	if err != nil {
		return nil, err
	}
	mailbox, err := g.mailbox(localPart)
	if err != nil {
		return nil, err
	}

	log := g.log.WithFields(map[string]interface{}{
		"mailbox":    mailbox.ID,
		"externalId": in.externalID,
	})

	if dup, err := g.deps.Messages.HasReceived(mailbox.ID, in.externalID); err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	} else if dup {
		log.Info("duplicate delivery ignored")
		return &Result{Status: StatusDuplicate, Duplicate: true, MailboxID: mailbox.ID}, nil
	}

	attachments, rawKey, err := g.upload(ctx, in)
	if err != nil {
		return nil, err
	}

	receivedAt := g.now()
	msg := &models.Message{
		ID:                uuid.New().String(),
		MailboxID:         mailbox.ID,
		ExternalMessageID: in.externalID,
		FromAddress:       in.payload.From.Address,
		FromName:          in.payload.From.Name,
		ToAddress:         in.payload.To,
		ReplyTo:           in.payload.ReplyTo,
		Subject:           in.subject,
		Text:              in.payload.Text,
		HTML:              utils.SanitizeHTML(in.payload.HTML),
		Preview:           utils.BuildPreview(in.payload.Text, in.payload.HTML, g.cfg.PreviewLength),
		Headers:           in.headers,
		Attachments:       attachments,
		RawKey:            rawKey,
		ReceivedAt:        receivedAt,
	}

	result, err := g.threadAndStore(ctx, msg)
	if err != nil {
		log.Error("failed to store inbound message: %v", err)
		return nil, err
	}
	if result.Duplicate {
		log.Info("duplicate delivery ignored")
		return result, nil
	}

	delivered := g.deps.Broker.Publish(mailbox.ID, models.NotificationEvent{
		Type:      models.NotificationNewMessage,
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		Preview:   msg.Preview,
		From:      msg.FromAddress,
		Subject:   msg.Subject,
		Timestamp: receivedAt,
	})
	log.Info("stored message %s in thread %s (new=%t, notified=%d)", msg.ID, msg.ThreadID, result.NewThread, delivered)

	return result, nil
}

// threadAndStore runs resolve, thread mutation and persistence under the
// mailbox lock so concurrent deliveries of one conversation share a thread.
func (g *Gateway) threadAndStore(ctx context.Context, msg *models.Message) (*Result, error) {
	unlock := g.locks.Lock(msg.MailboxID)
	defer unlock()

	dup, err := g.deps.Messages.HasReceived(msg.MailboxID, msg.ExternalMessageID)
	if err != nil {
		return nil, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return &Result{Status: StatusDuplicate, Duplicate: true, MailboxID: msg.MailboxID}, nil
	}

	threadID, found, err := g.deps.Resolver.Resolve(ctx, msg.MailboxID, msg.ExternalMessageID, msg.Headers, msg.Subject, msg.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	if found {
		_, err = g.deps.Updater.ApplyMessage(ctx, threadID, threading.Delta{
			MessageID:    msg.ID,
			Participants: []string{msg.FromAddress},
			Preview:      msg.Preview,
			At:           msg.ReceivedAt,
			UnreadDelta:  1,
		})
	} else {
		var thread *models.Thread
		thread, err = g.deps.Updater.CreateThread(ctx, threading.NewThread{
			MailboxID:    msg.MailboxID,
			Subject:      utils.NormalizeSubject(msg.Subject),
			Participants: []string{msg.FromAddress},
			MessageID:    msg.ID,
			Preview:      msg.Preview,
			At:           msg.ReceivedAt,
			Unread:       true,
		})
		if thread != nil {
			threadID = thread.ID
		}
	}
	if err != nil {
		return nil, err
	}

	msg.ThreadID = threadID
	if err := g.deps.Messages.CreateMessage(msg); err != nil {
		g.rebuildThread(threadID)
		return nil, fmt.Errorf("persist message: %w", err)
	}

	return &Result{
		Status:    StatusAccepted,
		MailboxID: msg.MailboxID,
		ThreadID:  threadID,
		MessageID: msg.ID,
		NewThread: !found,
	}, nil
}

// upload stores the raw message and every attachment concurrently
func (g *Gateway) upload(ctx context.Context, in *inbound) ([]models.Attachment, string, error) {
	attachments := make([]models.Attachment, len(in.attachments))
	var rawKey string

	eg, egCtx := errgroup.WithContext(ctx)
	for i, a := range in.attachments {
		i, a := i, a
		eg.Go(func() error {
			ref, err := g.deps.Blobs.Upload(egCtx, a.content, a.filename, a.mimeType)
			if err != nil {
				return fmt.Errorf("upload attachment %q: %w", a.filename, err)
			}
			attachments[i] = models.Attachment{
				Filename: a.filename,
				MimeType: a.mimeType,
				Size:     len(a.content),
				Key:      ref.Key,
				URL:      ref.URL,
			}
			return nil
		})
	}
	if len(in.raw) > 0 {
		eg.Go(func() error {
			ref, err := g.deps.Blobs.Upload(egCtx, in.raw, "message.eml", "message/rfc822")
			if err != nil {
				return fmt.Errorf("upload raw message: %w", err)
			}
			rawKey = ref.Key
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, "", err
	}
	return attachments, rawKey, nil
}

// rebuildThread undoes the thread change made for a message that could not
// be stored. It runs under the mailbox lock.
func (g *Gateway) rebuildThread(threadID string) {
	// the request context may already be cancelled; the thread must still be fixed
	if _, err := g.deps.Updater.Rebuild(context.Background(), threadID); err != nil {
		g.log.Error("failed to roll back thread %s: %v", threadID, err)
	}
}

func (g *Gateway) mailbox(localPart string) (*models.Mailbox, error) {
	if mailbox, ok := g.cache.Get(localPart); ok {
		return mailbox, nil
	}

	mailbox, err := g.deps.Mailboxes.GetMailboxByLocalPart(localPart)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s@%s", ErrMailboxNotFound, localPart, g.cfg.Domain)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup mailbox: %w", err)
	}

	g.cache.Set(localPart, mailbox)
	return mailbox, nil
}
