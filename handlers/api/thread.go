package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/utils"
)

const maxPageSize = 200

// ListThreads returns a page of thread summaries, most recent first. Clients
// in polling mode call this on every tick.
func (h *Handler) ListThreads(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	page := c.QueryInt("page", 1)
	pageSize := c.QueryInt("page_size", 50)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	threads, err := h.Threads.ListThreads(mailbox.ID)
	if err != nil {
		return storageError("Mailbox not found", err)
	}
	return c.JSON(models.NewPaginatedThreads(threads, page, pageSize))
}

// ThreadMessages returns a thread with its messages in conversation order
func (h *Handler) ThreadMessages(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	thread, err := h.Threads.GetThread(c.Params("threadId"))
	if err != nil {
		return storageError("Thread not found", err)
	}
	if thread.MailboxID != mailbox.ID {
		return utils.NotFoundError("Thread not found", storage.ErrNotFound)
	}

	entries, err := h.Messages.ListThreadEntries(thread.ID)
	if err != nil {
		return storageError("Thread not found", err)
	}
	messages, err := h.Messages.ListThreadMessages(thread.ID)
	if err != nil {
		return storageError("Thread not found", err)
	}

	return c.JSON(fiber.Map{
		"thread":       thread,
		"conversation": utils.OrderConversation(entries),
		"messages":     messages,
	})
}

type markReadRequest struct {
	IDs  []string `json:"ids"`
	Read *bool    `json:"read"`
}

// MarkRead flags messages read or unread, then recounts their threads and
// tells subscribers
func (h *Handler) MarkRead(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	var req markReadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}
	if len(req.IDs) == 0 {
		return utils.BadRequestError("No message ids given", nil)
	}
	read := true
	if req.Read != nil {
		read = *req.Read
	}

	touched, err := h.Messages.SetRead(mailbox.ID, req.IDs, read)
	if err != nil {
		return storageError("Message not found", err)
	}

	threads := make([]*models.Thread, 0, len(touched))
	for _, threadID := range touched {
		thread, err := h.Updater.RecalculateUnread(c.UserContext(), threadID)
		if err != nil {
			return storageError("Thread not found", err)
		}
		threads = append(threads, thread)
		h.Bus.Publish(mailbox.ID, models.NotificationEvent{
			Type:      models.NotificationThreadUpdate,
			ThreadID:  thread.ID,
			Timestamp: time.Now().UTC(),
		})
	}

	return c.JSON(fiber.Map{"threads": threads})
}

type starRequest struct {
	Starred *bool `json:"starred"`
}

// ToggleStar sets the starred flag, or flips it when the body names none
func (h *Handler) ToggleStar(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	var req starRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.BadRequestError("Invalid request body", err)
		}
	}

	messageID := c.Params("messageId")
	starred := false
	if req.Starred != nil {
		starred = *req.Starred
	} else {
		msg, err := h.Messages.GetMessage(messageID)
		if err != nil || msg.MailboxID != mailbox.ID {
			return utils.NotFoundError("Message not found", storage.ErrNotFound)
		}
		starred = !msg.Starred
	}

	msg, err := h.Messages.SetStarred(mailbox.ID, messageID, starred)
	if err != nil {
		return storageError("Message not found", err)
	}
	return c.JSON(msg)
}
