package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/middleware"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/utils"
)

type mailboxRequest struct {
	LocalPart   string `json:"local_part"`
	DisplayName string `json:"display_name"`
}

type mailboxResponse struct {
	*models.Mailbox
	Address string `json:"address"`
}

func (h *Handler) present(m *models.Mailbox) mailboxResponse {
	return mailboxResponse{Mailbox: m, Address: m.Address(h.Config.Server.Domain)}
}

// ListMailboxes returns the caller's mailboxes
func (h *Handler) ListMailboxes(c *fiber.Ctx) error {
	mailboxes, err := h.Mailboxes.ListMailboxesByAccount(middleware.AccountID(c))
	if err != nil {
		return storageError("Mailbox not found", err)
	}

	out := make([]mailboxResponse, 0, len(mailboxes))
	for _, m := range mailboxes {
		out = append(out, h.present(m))
	}
	return c.JSON(fiber.Map{"mailboxes": out})
}

// CreateMailbox claims a local part for the caller's account
func (h *Handler) CreateMailbox(c *fiber.Ctx) error {
	var req mailboxRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}

	localPart := strings.ToLower(strings.TrimSpace(req.LocalPart))
	if !validLocalPart(localPart) {
		return utils.BadRequestError("Invalid local part", nil)
	}

	mailbox := &models.Mailbox{
		AccountID:   middleware.AccountID(c),
		LocalPart:   localPart,
		DisplayName: strings.TrimSpace(req.DisplayName),
	}
	if err := h.Mailboxes.CreateMailbox(mailbox); err != nil {
		return storageError("Mailbox not found", err)
	}

	utils.Log.Info("Created mailbox %s for account %s", mailbox.ID, mailbox.AccountID)
	return c.Status(fiber.StatusCreated).JSON(h.present(mailbox))
}

// GetMailbox returns one of the caller's mailboxes
func (h *Handler) GetMailbox(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}
	return c.JSON(h.present(mailbox))
}

// UpdateMailbox changes the display name
func (h *Handler) UpdateMailbox(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	var req mailboxRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.BadRequestError("Invalid request body", err)
	}
	if req.LocalPart != "" && !strings.EqualFold(req.LocalPart, mailbox.LocalPart) {
		return utils.BadRequestError("Local part cannot be changed", nil)
	}

	updated, err := h.Mailboxes.UpdateDisplayName(mailbox.ID, strings.TrimSpace(req.DisplayName))
	if err != nil {
		return storageError("Mailbox not found", err)
	}
	return c.JSON(h.present(updated))
}

// validLocalPart accepts the dot-atom subset people actually use
func validLocalPart(s string) bool {
	if s == "" || len(s) > 64 || s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case strings.ContainsRune(".-_+", r):
		default:
			return false
		}
	}
	return true
}
