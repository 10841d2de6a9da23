package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/wayjake/innbox/ingest"
	"github.com/wayjake/innbox/utils"
)

// HandleInbound accepts one signed delivery from the mail relay
func (h *Handler) HandleInbound(c *fiber.Ctx) error {
	signature := c.Get(h.Config.Webhook.SignatureHeader)

	result, err := h.Gateway.Ingest(c.UserContext(), c.Body(), signature)
	if err != nil {
		return ingestError(err)
	}

	return c.JSON(result)
}

func ingestError(err error) error {
	switch {
	case errors.Is(err, ingest.ErrAuthentication):
		return utils.UnauthorizedError("Invalid signature", err)
	case errors.Is(err, ingest.ErrMalformed):
		return utils.BadRequestError("Malformed payload", err)
	case errors.Is(err, ingest.ErrRouting):
		return utils.BadRequestError("Recipient domain not served", err)
	case errors.Is(err, ingest.ErrMailboxNotFound):
		return utils.NotFoundError("Mailbox not found", err)
	case errors.Is(err, ingest.ErrInvalidSent):
		return utils.BadRequestError(err.Error(), err)
	default:
		return utils.InternalServerError("Failed to process message", err)
	}
}
