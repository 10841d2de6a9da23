package api

import (
	"bufio"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/valyala/fasthttp"
	"github.com/wayjake/innbox/events"
	"github.com/wayjake/innbox/middleware"
	"github.com/wayjake/innbox/utils"
)

const localMailboxID = "mailboxId"

// HandleSSE streams a mailbox's notifications as Server-Sent Events
func (h *Handler) HandleSSE(c *fiber.Ctx) error {
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}

	sink := events.NewChannelSink(h.Config.Stream.BufferSize)
	unsubscribe, err := h.Bus.Subscribe(mailbox.ID, mailbox.AccountID, sink)
	if err != nil {
		return streamUnavailable(err)
	}

	// Set headers for SSE
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	mailboxID := mailbox.ID
	log := utils.Log.WithField("mailbox", mailboxID)
	log.Info("SSE subscriber connected")

	// c must not be touched inside the writer; fiber recycles it when the
	// handler returns
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			unsubscribe()
			log.Info("SSE subscriber disconnected")
		}()

		if err := writeSSE(w, events.ConnectedFrame(mailboxID, time.Now().UTC())); err != nil {
			return
		}
		pump(sink, func(f events.Frame) error { return writeSSE(w, f) })
	}))

	return nil
}

// UpgradeWebSocket checks ownership before the protocol switch
func (h *Handler) UpgradeWebSocket(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	mailbox, err := h.ownedMailbox(c)
	if err != nil {
		return err
	}
	c.Locals(localMailboxID, mailbox.ID)
	return c.Next()
}

// HandleWebSocket streams a mailbox's notifications as JSON frames
func (h *Handler) HandleWebSocket() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		mailboxID, _ := conn.Locals(localMailboxID).(string)
		accountID, _ := conn.Locals(middleware.LocalAccountID).(string)
		log := utils.Log.WithField("mailbox", mailboxID)

		sink := events.NewChannelSink(h.Config.Stream.BufferSize)
		unsubscribe, err := h.Bus.Subscribe(mailboxID, accountID, sink)
		if err != nil {
			log.Warn("WebSocket subscribe failed: %v", err)
			_ = conn.Close()
			return
		}
		defer func() {
			unsubscribe()
			_ = conn.Close()
			log.Info("WebSocket subscriber disconnected")
		}()

		log.Info("WebSocket subscriber connected")

		// Reads only detect the peer going away; clients never send data
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					unsubscribe()
					return
				}
			}
		}()

		if err := conn.WriteJSON(events.ConnectedFrame(mailboxID, time.Now().UTC())); err != nil {
			return
		}
		pump(sink, func(f events.Frame) error {
			if err := conn.WriteJSON(f); err != nil {
				log.Debug("Failed to send WebSocket frame: %v", err)
				return err
			}
			return nil
		})
	})
}

// pump writes frames until the sink closes or a write fails. Frames queued
// before the close are still written.
func pump(sink *events.ChannelSink, write func(events.Frame) error) {
	for {
		select {
		case f := <-sink.Frames():
			if err := write(f); err != nil {
				return
			}
		case <-sink.Done():
			for {
				select {
				case f := <-sink.Frames():
					if err := write(f); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func writeSSE(w *bufio.Writer, f events.Frame) error {
	payload, err := events.EncodeSSE(f)
	if err != nil {
		utils.Log.Error("Failed to encode %s frame: %v", f.Event, err)
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

func streamUnavailable(err error) error {
	if errors.Is(err, events.ErrBusStopped) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "Streaming is shutting down")
	}
	return utils.InternalServerError("Failed to subscribe", err)
}
