package streamclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is one frame received from the server
type Event struct {
	Name string
	Data json.RawMessage
}

// Stream yields events until the connection ends
type Stream interface {
	Next() (Event, error)
	Close() error
}

// Transport opens a stream; ctx cancellation must abort a blocked Next
type Transport interface {
	Connect(ctx context.Context) (Stream, error)
}

// SSETransport connects to the server's text/event-stream endpoint
type SSETransport struct {
	URL    string
	Token  string
	Client *http.Client
}

// Connect issues the streaming GET and checks the response
func (t *SSETransport) Connect(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected content type %q", ct)
	}

	return newSSEStream(resp.Body), nil
}

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

// Next parses one event block. Comment lines and unknown fields are skipped.
func (s *sseStream) Next() (Event, error) {
	var (
		name string
		data []string
	)

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) == 0 && name == "" {
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
