package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liliang-cn/markflow/pkg/flowerr"
	"github.com/liliang-cn/markflow/pkg/log"
)

// webSocketSource keeps one WebSocket connection open and turns every
// inbound frame into an event. JSON object frames keep their own "type"
// field; anything else becomes a "message" event carrying the raw text.
type webSocketSource struct {
	id      string
	url     string
	headers http.Header

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	status string
}

func newWebSocketSource(cfg SourceConfig) (*webSocketSource, error) {
	url, _ := cfg.Options["url"].(string)
	if url == "" {
		return nil, flowerr.Newf(flowerr.KindInvalidConfig, "websocket source %q needs a url", cfg.ID)
	}
	headers := http.Header{}
	if raw, ok := cfg.Options["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				headers.Set(k, s)
			}
		}
	}
	return &webSocketSource{
		id:      cfg.ID,
		url:     url,
		headers: headers,
		status:  StatusDisconnected,
	}, nil
}

func (s *webSocketSource) ID() string { return s.id }

func (s *webSocketSource) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *webSocketSource) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Connect dials the endpoint and starts the read loop. The loop runs
// until Stop or a read error.
func (s *webSocketSource) Connect(ctx context.Context, emit func(Event)) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, s.headers)
	if err != nil {
		s.setStatus(StatusError)
		ferr := flowerr.Wrap(flowerr.KindNetworkError, "dialing websocket", err).WithService(s.id)
		if resp != nil {
			ferr.HTTPStatus = resp.StatusCode
		}
		return ferr
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.status = StatusConnected
	s.mu.Unlock()

	go s.readLoop(loopCtx, conn, emit)
	return nil
}

func (s *webSocketSource) readLoop(ctx context.Context, conn *websocket.Conn, emit func(Event)) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("websocket read failed", "source", s.id, "error", err)
				s.setStatus(StatusError)
				emit(Event{
					Source:    s.id,
					Type:      "error",
					Data:      map[string]any{"error": err.Error()},
					Timestamp: time.Now(),
				})
			} else {
				s.setStatus(StatusDisconnected)
			}
			return
		}
		emit(s.decode(payload))
	}
}

// decode maps one frame to an event.
func (s *webSocketSource) decode(payload []byte) Event {
	event := Event{Source: s.id, Timestamp: time.Now()}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil && obj != nil {
		event.Data = obj
		if t, ok := obj["type"].(string); ok && t != "" {
			event.Type = t
		} else {
			event.Type = "message"
		}
		return event
	}
	event.Type = "message"
	event.Data = map[string]any{"message": string(payload)}
	return event
}

// Send writes outbound data to the connection. Maps and slices go out as
// JSON, strings as text frames.
func (s *webSocketSource) Send(_ context.Context, data any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return flowerr.Newf(flowerr.KindNetworkError, "websocket source %q is not connected", s.id)
	}
	var err error
	if text, ok := data.(string); ok {
		err = conn.WriteMessage(websocket.TextMessage, []byte(text))
	} else {
		err = conn.WriteJSON(data)
	}
	if err != nil {
		return flowerr.Wrap(flowerr.KindNetworkError, "writing websocket message", err).WithService(s.id)
	}
	return nil
}

func (s *webSocketSource) Stop() error {
	s.mu.Lock()
	conn, cancel := s.conn, s.cancel
	s.conn, s.cancel = nil, nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}
