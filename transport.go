package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Transport selects the wire protocol of the notification stream.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

const (
	streamPath   = "/api/notifications/stream"
	wsStreamPath = "/api/notifications/ws"
)

// eventSource yields events from one live connection.
type eventSource interface {
	next() (streamEvent, error)
	close() error
}

type streamTransport interface {
	open(ctx context.Context, lastEventID string) (eventSource, error)
}

// ============================================================================
// SSE
// ============================================================================

type sseTransport struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	activity   func()
}

func (t *sseTransport) open(ctx context.Context, lastEventID string) (eventSource, error) {
	u := t.baseURL + streamPath
	if lastEventID != "" {
		u += "?" + url.Values{"lastEventId": {lastEventID}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if tok := t.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &APIError{Status: resp.StatusCode, Message: "stream rejected"}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, fmt.Errorf("stream connect: unexpected content type %q", ct)
	}

	return &sseSource{body: resp.Body, dec: newSSEDecoder(resp.Body, t.activity)}, nil
}

type sseSource struct {
	body io.ReadCloser
	dec  *sseDecoder
}

func (s *sseSource) next() (streamEvent, error) { return s.dec.next() }
func (s *sseSource) close() error              { return s.body.Close() }

// ============================================================================
// WebSocket
// ============================================================================

// wsFrame is the JSON envelope of one WebSocket stream message.
type wsFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type wsTransport struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	activity   func()
	logger     *slog.Logger
}

func (t *wsTransport) open(ctx context.Context, lastEventID string) (eventSource, error) {
	wsURL := strings.Replace(t.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += wsStreamPath
	if lastEventID != "" {
		wsURL += "?" + url.Values{"lastEventId": {lastEventID}}.Encode()
	}

	header := http.Header{}
	if tok := t.token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	return &wsSource{ctx: ctx, conn: conn, activity: t.activity, logger: t.logger}, nil
}

type wsSource struct {
	ctx      context.Context
	conn     *websocket.Conn
	activity func()
	logger   *slog.Logger
}

func (s *wsSource) next() (streamEvent, error) {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return streamEvent{}, io.EOF
			}
			return streamEvent{}, err
		}
		s.activity()

		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			s.logger.Warn("dropping malformed websocket frame", "error", err, "size", len(data))
			continue
		}
		return streamEvent{
			ID:      f.ID,
			HasID:   f.ID != "",
			Name:    f.Event,
			Data:    string(f.Data),
			HasData: len(f.Data) > 0,
		}, nil
	}
}

func (s *wsSource) close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
