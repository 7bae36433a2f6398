package hub

import (
	"bufio"
	"errors"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofiber/contrib/websocket"

	"eventcast/pkg/envelope"
)

var errTransportClosed = errors.New("hub: transport closed")

// SSETransport writes Server-Sent Events frames and flushes after each one.
type SSETransport struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closed bool
}

func NewSSETransport(w *bufio.Writer) *SSETransport {
	return &SSETransport{w: w}
}

func (t *SSETransport) WriteEvent(data []byte) error {
	return t.frame(func(w *bufio.Writer) {
		w.WriteString("data: ")
		w.Write(data)
		w.WriteString("\n\n")
	})
}

func (t *SSETransport) WriteHeartbeat() error {
	return t.frame(func(w *bufio.Writer) {
		w.WriteString(":heartbeat\n\n")
	})
}

// Close stops further writes. The underlying stream is owned by the HTTP
// server and ends when the stream writer returns.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *SSETransport) frame(write func(w *bufio.Writer)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	write(t.w)
	return t.w.Flush()
}

// WSTransport sends JSON text frames over a websocket.
type WSTransport struct {
	conn      *websocket.Conn
	heartbeat []byte
}

func NewWSTransport(conn *websocket.Conn) *WSTransport {
	hb, _ := envelope.New(envelope.TypeHeartbeat).Marshal()
	return &WSTransport{conn: conn, heartbeat: hb}
}

func (t *WSTransport) WriteEvent(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) WriteHeartbeat() error {
	return t.conn.WriteMessage(websocket.TextMessage, t.heartbeat)
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}

type clientFrame struct {
	Action string `json:"action"`
	Type   string `json:"type"`
}

// ServeWS subscribes the websocket and reads from it until it fails. Ping
// frames ({"action":"ping"}) are answered with a pong envelope; anything
// else from the client is ignored.
func ServeWS(h *Hub, conn *websocket.Conn) {
	sub := h.Subscribe(NewWSTransport(conn))
	defer sub.Close()

	for {
		select {
		case <-sub.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Action == "ping" || frame.Type == "ping" {
			pong, err := envelope.New("pong").Marshal()
			if err == nil {
				sub.Send(pong)
			}
		}
	}
}
