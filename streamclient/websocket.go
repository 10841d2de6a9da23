package streamclient

import (
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WSTransport connects to the server's WebSocket endpoint, where every
// message is a JSON {event, data} frame.
type WSTransport struct {
	URL    string
	Token  string
	Client *http.Client
}

// Connect dials the endpoint; the token goes in the Authorization header
func (t *WSTransport) Connect(ctx context.Context) (Stream, error) {
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	conn, _, err := websocket.Dial(ctx, t.URL, &websocket.DialOptions{
		HTTPClient: t.Client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	return &wsStream{ctx: ctx, conn: conn}, nil
}

type wsStream struct {
	ctx  context.Context
	conn *websocket.Conn
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (s *wsStream) Next() (Event, error) {
	var f wireFrame
	if err := wsjson.Read(s.ctx, s.conn, &f); err != nil {
		return Event{}, err
	}
	return Event{Name: f.Event, Data: f.Data}, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
