package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
)

// ErrConnectionClosed is returned once the server side of a Client is gone.
var ErrConnectionClosed = errors.New("websocket connection closed")

// Client is a chat connection to a remote runner.
type Client struct {
	conn      *websocket.Conn
	sessionID string
	frames    chan Frame
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the chat endpoint of serverURL for userID and waits for
// the session frame.
func Dial(ctx context.Context, serverURL, userID string, persistent bool) (*Client, error) {
	wsURL, err := chatURL(serverURL, userID, persistent)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	c := &Client{
		conn:   conn,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	select {
	case f, ok := <-c.frames:
		if !ok {
			c.Close()
			return nil, ErrConnectionClosed
		}
		if f.Type != TypeSession {
			c.Close()
			return nil, fmt.Errorf("expected %s frame, got %s", TypeSession, f.Type)
		}
		c.sessionID = f.SessionID
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

func chatURL(serverURL, userID string, persistent bool) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += "/v1/sessions/" + userID + "/ws"
	u.RawQuery = url.Values{"persistent": {strconv.FormatBool(persistent)}}.Encode()
	return u.String(), nil
}

// SessionID returns the session the server bound this connection to.
func (c *Client) SessionID() string { return c.sessionID }

// Send starts a turn and waits for its reply. When ctx ends first a cancel
// is sent and Send keeps waiting for the server to confirm it.
func (c *Client) Send(ctx context.Context, content string) (*Frame, error) {
	if err := c.write(UserMessage{
		BaseMessage: BaseMessage{Type: TypeUserMessage, Ts: time.Now().UnixMilli()},
		Content:     content,
	}); err != nil {
		return nil, err
	}

	cancelled := false
	ctxDone := ctx.Done()
	for {
		select {
		case f, ok := <-c.frames:
			if !ok {
				return nil, ErrConnectionClosed
			}
			switch f.Type {
			case TypeAssistantMessage:
				return &f, nil
			case TypeCancelled:
				return nil, &domain.RunError{RunID: f.RunID, Status: domain.RunStatusCancelled, Err: ctx.Err()}
			case TypeError:
				if f.Code == ErrorCodeNoActiveRun && cancelled {
					return nil, &domain.RunError{RunID: f.RunID, Status: domain.RunStatusCancelled, Err: ctx.Err()}
				}
				return nil, frameError(f)
			}
		case <-ctxDone:
			ctxDone = nil
			cancelled = true
			if err := c.Cancel(); err != nil {
				return nil, err
			}
		}
	}
}

func frameError(f Frame) error {
	switch f.Code {
	case ErrorCodeRunFailed:
		return &domain.RunError{RunID: f.RunID, Status: domain.RunStatusFailed, Code: f.Code, Message: f.Message}
	case ErrorCodeRunInProgress:
		return domain.ErrRunInProgress
	case ErrorCodeSessionClosed:
		return domain.ErrSessionClosed
	default:
		return fmt.Errorf("server error %s: %s", f.Code, f.Message)
	}
}

// Cancel asks the server to stop the in-flight run.
func (c *Client) Cancel() error {
	return c.write(BaseMessage{Type: TypeCancel, Ts: time.Now().UnixMilli()})
}

// Close closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		close(c.done)
	})
	return err
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}
