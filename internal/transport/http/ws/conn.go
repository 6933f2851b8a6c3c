package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rsanchezec/AzureAIAgentService/internal/session"
)

// connection is one WebSocket client bound to a single session.
type connection struct {
	ws     *websocket.Conn
	handle *session.Handle
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

func newConnection(ws *websocket.Conn, h *session.Handle) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ws:     ws,
		handle: h,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, 64),
	}
}

// sendJSON queues v for the write pump. It reports false once the
// connection is closed or its buffer is full.
func (c *connection) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.out)
}
