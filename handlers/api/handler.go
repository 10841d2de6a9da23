package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/config"
	"github.com/wayjake/innbox/events"
	"github.com/wayjake/innbox/ingest"
	"github.com/wayjake/innbox/middleware"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/threading"
	"github.com/wayjake/innbox/utils"
)

// Deps are the services the HTTP handlers call into
type Deps struct {
	Config    *config.Config
	Mailboxes *storage.MailboxStorage
	Threads   *storage.ThreadStorage
	Messages  *storage.MessageStorage
	Sent      *storage.SentStorage
	Gateway   *ingest.Gateway
	Updater   *threading.Updater
	Bus       *events.Bus
}

// Handler serves the webhook, client API and streaming endpoints
type Handler struct {
	Deps
}

// NewHandler creates a new handler
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// errorLog receives the errors ErrorHandler renders
var errorLog = utils.Log.WithField("component", "api")

// ErrorHandler renders AppErrors and fiber errors as JSON
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"

	log := errorLog.WithFields(map[string]interface{}{
		"method": c.Method(),
		"path":   c.Path(),
	})

	if appErr, ok := utils.AsAppError(err); ok {
		code = appErr.Code
		message = appErr.Message
		log = log.WithFields(appErr.Context)
		if code >= fiber.StatusInternalServerError {
			log.Error("Application error: %v", appErr)
		} else {
			log.Debug("Request rejected: %v", appErr)
		}
	} else if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	} else {
		log.Error("Unhandled error: %v", err)
	}

	return c.Status(code).JSON(fiber.Map{
		"status": "error",
		"error":  message,
	})
}

// ownedMailbox loads the :id mailbox and checks it belongs to the caller
func (h *Handler) ownedMailbox(c *fiber.Ctx) (*models.Mailbox, error) {
	mailbox, err := h.Mailboxes.GetMailbox(c.Params("id"))
	if err != nil {
		return nil, storageError("Mailbox not found", err).WithContext("mailbox", c.Params("id"))
	}
	if mailbox.AccountID != middleware.AccountID(c) {
		// same answer as a missing mailbox so foreign ids stay hidden
		return nil, utils.NotFoundError("Mailbox not found", storage.ErrNotFound).
			WithContext("mailbox", mailbox.ID).
			WithContext("account", middleware.AccountID(c))
	}
	return mailbox, nil
}

// storageError maps storage sentinels to HTTP errors
func storageError(notFound string, err error) *utils.AppError {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return utils.NotFoundError(notFound, err)
	case errors.Is(err, storage.ErrDuplicate):
		return utils.ConflictError("Already exists", err)
	default:
		return utils.InternalServerError("Storage failure", err)
	}
}
