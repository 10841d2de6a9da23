package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wayjake/innbox/config"
	"github.com/wayjake/innbox/events"
	"github.com/wayjake/innbox/ingest"
	"github.com/wayjake/innbox/middleware"
	"github.com/wayjake/innbox/models"
	"github.com/wayjake/innbox/storage"
	"github.com/wayjake/innbox/threading"
	"github.com/wayjake/innbox/utils"
)

type testServer struct {
	app     *fiber.App
	cfg     *config.Config
	bus     *events.Bus
	mailbox *models.Mailbox
	token   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.Domain = "innbox.test"
	cfg.Webhook.Secret = "hook-secret"
	cfg.Auth.JWTSecret = "jwt-secret"
	cfg.Storage.DataDir = dir
	cfg.Storage.BlobDir = filepath.Join(dir, "blobs")
	cfg.Server.PublicBaseURL = "http://innbox.test"
	require.NoError(t, cfg.Validate())

	db, err := storage.InitDB(cfg.Storage.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mailboxes := storage.NewMailboxStorage(db)
	threads := storage.NewThreadStorage(db)
	messages := storage.NewMessageStorage(db)
	sent := storage.NewSentStorage(db)
	blobs, err := storage.NewFileBlobStore(cfg.Storage.BlobDir, cfg.Server.PublicBaseURL)
	require.NoError(t, err)

	bus := events.NewBus(time.Hour)
	require.NoError(t, bus.Start())
	t.Cleanup(bus.Stop)

	updater := threading.NewUpdater(threads)
	gateway := ingest.NewGateway(ingest.Config{
		Domain:        cfg.Server.Domain,
		Secret:        cfg.Webhook.Secret,
		PreviewLength: cfg.Threading.PreviewLength,
	}, ingest.Deps{
		Mailboxes: mailboxes,
		Messages:  messages,
		Sent:      sent,
		Resolver:  threading.NewResolver(messages, threads, cfg.Threading.SubjectWindow),
		Updater:   updater,
		Blobs:     blobs,
		Broker:    bus,
	})
	t.Cleanup(gateway.Close)

	mailbox := &models.Mailbox{AccountID: "acct-1", LocalPart: "support"}
	require.NoError(t, mailboxes.CreateMailbox(mailbox))

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	NewHandler(Deps{
		Config:    cfg,
		Mailboxes: mailboxes,
		Threads:   threads,
		Messages:  messages,
		Sent:      sent,
		Gateway:   gateway,
		Updater:   updater,
		Bus:       bus,
	}).Register(app)

	return &testServer{
		app:     app,
		cfg:     cfg,
		bus:     bus,
		mailbox: mailbox,
		token:   tokenFor(t, cfg, "acct-1"),
	}
}

func tokenFor(t *testing.T, cfg *config.Config, accountID string) string {
	t.Helper()

	token, err := middleware.SignAccountToken(cfg.Auth.JWTSecret, accountID, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, target, token string, body interface{}) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) deliver(t *testing.T, p models.InboundPayload, secret string) (*http.Response, []byte) {
	t.Helper()

	body, err := json.Marshal(p)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/inbound", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", ingest.Sign(secret, body))

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func inbound(id, to, subject string) models.InboundPayload {
	return models.InboundPayload{
		ExternalMessageID: id,
		From:              models.InboundAddress{Address: "alice@example.com"},
		To:                to,
		Subject:           subject,
		Text:              "hello there",
		Headers:           map[string]string{},
	}
}

func TestInboundWebhook(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.deliver(t, inbound("<a@example.com>", "support@innbox.test", "Hello"), "hook-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result ingest.Result
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, ingest.StatusAccepted, result.Status)
	assert.Equal(t, s.mailbox.ID, result.MailboxID)
	assert.True(t, result.NewThread)

	resp, body = s.deliver(t, inbound("<a@example.com>", "support@innbox.test", "Hello"), "hook-secret")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Duplicate)

	tests := []struct {
		name   string
		p      models.InboundPayload
		secret string
		status int
	}{
		{"bad signature", inbound("<b@example.com>", "support@innbox.test", "x"), "wrong", http.StatusUnauthorized},
		{"foreign domain", inbound("<b@example.com>", "support@other.test", "x"), "hook-secret", http.StatusBadRequest},
		{"unknown mailbox", inbound("<b@example.com>", "ghost@innbox.test", "x"), "hook-secret", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := s.deliver(t, tt.p, tt.secret)
			require.Equal(t, tt.status, resp.StatusCode)

			var errBody map[string]string
			require.NoError(t, json.Unmarshal(body, &errBody))
			assert.Equal(t, "error", errBody["status"])
		})
	}
}

func TestMailboxEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/mailboxes", s.token, map[string]string{
		"local_part":   "Sales",
		"display_name": "Sales team",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "sales@innbox.test", created.Address)

	resp, _ = s.do(t, http.MethodPost, "/api/mailboxes", s.token, map[string]string{"local_part": "sales"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/mailboxes", s.token, map[string]string{"local_part": "bad address"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(t, http.MethodPatch, "/api/mailboxes/"+created.ID, s.token, map[string]string{"display_name": "Deals"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"display_name":"Deals"`)

	other := tokenFor(t, s.cfg, "acct-2")
	resp, _ = s.do(t, http.MethodGet, "/api/mailboxes/"+created.ID, other, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/mailboxes", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/api/mailboxes", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Mailboxes []json.RawMessage `json:"mailboxes"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list.Mailboxes, 2)
}

func TestThreadEndpoints(t *testing.T) {
	s := newTestServer(t)
	base := "/api/mailboxes/" + s.mailbox.ID

	_, body := s.deliver(t, inbound("<a@example.com>", "support@innbox.test", "Hello"), "hook-secret")
	var first ingest.Result
	require.NoError(t, json.Unmarshal(body, &first))

	reply := inbound("<b@example.com>", "support@innbox.test", "Re: Hello")
	reply.Headers["In-Reply-To"] = "<a@example.com>"
	_, body = s.deliver(t, reply, "hook-secret")
	var second ingest.Result
	require.NoError(t, json.Unmarshal(body, &second))
	require.Equal(t, first.ThreadID, second.ThreadID)

	resp, body := s.do(t, http.MethodGet, base+"/threads", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page models.PaginatedThreads
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Threads, 1)
	assert.Equal(t, 2, page.Threads[0].MessageCount)
	assert.Equal(t, 2, page.Threads[0].UnreadCount)

	resp, body = s.do(t, http.MethodGet, base+"/threads/"+first.ThreadID+"/messages", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conversation struct {
		Conversation []models.ThreadEntry `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(body, &conversation))
	require.Len(t, conversation.Conversation, 2)
	assert.Equal(t, 0, conversation.Conversation[0].Depth)
	assert.Equal(t, 1, conversation.Conversation[1].Depth)

	resp, body = s.do(t, http.MethodPost, base+"/messages/read", s.token, map[string]interface{}{
		"ids": []string{first.MessageID},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var marked struct {
		Threads []models.Thread `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(body, &marked))
	require.Len(t, marked.Threads, 1)
	assert.Equal(t, 1, marked.Threads[0].UnreadCount)

	resp, body = s.do(t, http.MethodPost, base+"/messages/"+first.MessageID+"/star", s.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"starred":true`)

	resp, _ = s.do(t, http.MethodPost, base+"/messages/missing/star", s.token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSentEndpoints(t *testing.T) {
	s := newTestServer(t)
	base := "/api/mailboxes/" + s.mailbox.ID

	resp, body := s.do(t, http.MethodPost, base+"/sent", s.token, map[string]interface{}{
		"to":      []string{"bob@example.com"},
		"subject": "Kickoff",
		"text":    "agenda attached",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var sent models.SentMessage
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.NotEmpty(t, sent.ThreadID)
	assert.Equal(t, models.SentQueued, sent.Status)

	resp, body = s.do(t, http.MethodPatch, base+"/sent/"+sent.ID, s.token, map[string]string{
		"status":      "sent",
		"delivery_id": "prov-42",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"delivery_id":"prov-42"`)

	resp, _ = s.do(t, http.MethodPost, base+"/sent", s.token, map[string]interface{}{"subject": "no recipients"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEStream(t *testing.T) {
	s := newTestServer(t)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for s.bus.Subscribers(s.mailbox.ID) == 0 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		s.bus.Publish(s.mailbox.ID, models.NotificationEvent{
			Type:     models.NotificationNewMessage,
			ThreadID: "t1",
		})
		s.bus.Stop()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/mailboxes/"+s.mailbox.ID+"/stream?token="+s.token, nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(data)

	connected := strings.Index(stream, "event: connected\n")
	event := strings.Index(stream, "event: inbox-event\n")
	require.GreaterOrEqual(t, connected, 0, stream)
	require.Greater(t, event, connected, stream)
	assert.Contains(t, stream, `"mailboxId":"`+s.mailbox.ID+`"`)
	assert.Contains(t, stream, `"threadId":"t1"`)
	require.Zero(t, s.bus.Subscribers(s.mailbox.ID))
}

func TestStreamRejectsForeignMailbox(t *testing.T) {
	s := newTestServer(t)

	other := tokenFor(t, s.cfg, "acct-2")
	resp, _ := s.do(t, http.MethodGet, "/api/mailboxes/"+s.mailbox.ID+"/stream", other, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/ws/mailboxes/"+s.mailbox.ID, s.token, nil)
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestErrorLogCarriesContext(t *testing.T) {
	s := newTestServer(t)

	var buf bytes.Buffer
	saved := errorLog
	errorLog = utils.NewLoggerWithWriter(&buf, utils.DEBUG).WithField("component", "api")
	t.Cleanup(func() { errorLog = saved })

	other := tokenFor(t, s.cfg, "acct-2")
	resp, body := s.do(t, http.MethodGet, "/api/mailboxes/"+s.mailbox.ID+"/threads", other, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"status":"error","error":"Mailbox not found"}`, string(body))

	line := buf.String()
	assert.Contains(t, line, "[DEBUG] Request rejected: Mailbox not found")
	assert.Contains(t, line, "account=acct-2")
	assert.Contains(t, line, "mailbox="+s.mailbox.ID)
	assert.Contains(t, line, "method=GET")
	assert.Contains(t, line, "component=api")

	buf.Reset()
	resp, _ = s.do(t, http.MethodGet, "/api/mailboxes/missing/threads", s.token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, buf.String(), "mailbox=missing")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}
