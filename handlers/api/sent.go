package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/utils"
)

type sentRequest struct {
	To                 []string          `json:"to"`
	Cc                 []string          `json:"cc"`
	Bcc                []string          `json:"bcc"`
	Subject            string            `json:"subject"`
	Text               string            `json:"text"`
	HTML               string            `json:"html"`
	InReplyToMessageID string            `json:"in_reply_to_message_id"`
	ExternalMessageID  string            `json:"external_message_id"`
	DeliveryID         string            `json:"delivery_id"`
	Status             models.SentStatus `json:"status"`
}

// RecordSent stores a message the client sent through the delivery provider
func (h *Handler) RecordSent(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	var req sentRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}

	sent, err := h.Gateway.RecordSent(c.UserContext(), mailbox.ID, &models.SentMessage{
		To:                 req.To,
		Cc:                 req.Cc,
		Bcc:                req.Bcc,
		Subject:            req.Subject,
		Text:               req.Text,
		HTML:               utils.SanitizeHTML(req.HTML),
		InReplyToMessageID: req.InReplyToMessageID,
		ExternalMessageID:  req.ExternalMessageID,
		DeliveryID:         req.DeliveryID,
		Status:             req.Status,
	})
	if err != nil {
		return ingestError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(sent)
}

type sentStatusRequest struct {
	Status     models.SentStatus `json:"status"`
	DeliveryID string            `json:"delivery_id"`
}

// UpdateSentStatus records the provider's delivery outcome
func (h *Handler) UpdateSentStatus(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	var req sentStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}

	existing, err := h.Sent.GetSent(c.Params("sentId"))
	if err != nil {
		return storageError("Sent message not found", err)
	}
	if existing.MailboxID != mailbox.ID {
		return utils.NotFoundError("Sent message not found", storage.ErrNotFound)
	}

	switch req.Status {
	case models.SentQueued, models.SentSent, models.SentFailed:
	default:
		return utils.BadRequestError("Unknown status", nil)
	}

	updated, err := h.Sent.UpdateStatus(existing.ID, req.Status, req.DeliveryID)
	if err != nil {
		return storageError("Sent message not found", err)
	}
	return c.JSON(updated)
}
