// Package ws serves interactive chat sessions over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/httperr"
)

// Config holds WebSocket connection settings.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the default connection settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 65536,
	}
}

// Server handles WebSocket chat connections.
type Server struct {
	svc      *service.Service
	cfg      Config
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(svc *service.Service, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket binds the connection to a session of :user_id and serves
// it until the client goes away.
// GET /v1/sessions/:user_id/ws?persistent=true
func (s *Server) HandleWebSocket(c echo.Context) error {
	userID := c.Param("user_id")
	if userID == "" {
		return httperr.BadRequest(c, "user_id is required")
	}
	persistent := c.QueryParam("persistent") != "false"

	h, err := s.svc.Open(c.Request().Context(), userID, persistent)
	if err != nil {
		return httperr.Write(c, err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to upgrade websocket")
		if endErr := s.svc.End(context.Background(), h); endErr != nil {
			s.logger.Warn().Err(endErr).Str("session_id", h.ID()).Msg("failed to end session")
		}
		return nil
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	conn := newConnection(ws, h)
	conn.sendJSON(SessionMessage{
		BaseMessage: s.base(TypeSession, conn, ""),
		Persistent:  h.Persistent(),
	})

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads client messages until the connection fails, then ends the
// session and cancels any run still in flight.
func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.close()
		if err := s.svc.End(context.Background(), conn.handle); err != nil {
			s.logger.Warn().Err(err).Str("session_id", conn.handle.ID()).Msg("failed to end session")
		}
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("session_id", conn.handle.ID()).Msg("websocket read failed")
			}
			return
		}
		s.handleMessage(conn, data)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case message, ok := <-conn.out:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug().Err(err).Str("session_id", conn.handle.ID()).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *connection, data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case TypeUserMessage:
		s.handleUserMessage(conn, data)
	case TypeCancel:
		if !conn.handle.Conversation().Cancel() {
			s.sendError(conn, "", ErrorCodeNoActiveRun, "no run in progress")
		}
	default:
		s.sendError(conn, "", ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleUserMessage runs the turn without blocking the read loop, so a
// cancel can arrive while the run is in flight.
func (s *Server) handleUserMessage(conn *connection, data []byte) {
	var msg UserMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Content == "" {
		s.sendError(conn, "", ErrorCodeInvalidMessage, "user_message requires content")
		return
	}
	if conn.handle.Conversation().Busy() {
		s.sendError(conn, "", ErrorCodeRunInProgress, domain.ErrRunInProgress.Error())
		return
	}

	go func() {
		resp, err := s.svc.Send(conn.ctx, conn.handle, msg.Content)
		if err != nil {
			s.sendRunError(conn, err)
			return
		}
		conn.sendJSON(AssistantMessage{
			BaseMessage: s.base(TypeAssistantMessage, conn, resp.RunID),
			Content:     resp.Text,
			Citations:   resp.Citations,
		})
	}()
}

func (s *Server) sendRunError(conn *connection, err error) {
	var runErr *domain.RunError
	switch {
	case errors.As(err, &runErr) && runErr.Cancelled():
		conn.sendJSON(s.base(TypeCancelled, conn, runErr.RunID))
	case errors.As(err, &runErr):
		msg := runErr.Message
		if msg == "" {
			msg = err.Error()
		}
		s.sendError(conn, runErr.RunID, ErrorCodeRunFailed, msg)
	case errors.Is(err, domain.ErrRunInProgress):
		s.sendError(conn, "", ErrorCodeRunInProgress, err.Error())
	case errors.Is(err, domain.ErrSessionClosed):
		s.sendError(conn, "", ErrorCodeSessionClosed, err.Error())
	default:
		s.logger.Error().Err(err).Str("session_id", conn.handle.ID()).Msg("chat turn failed")
		s.sendError(conn, "", ErrorCodeInternalError, err.Error())
	}
}

func (s *Server) sendError(conn *connection, runID, code, message string) {
	conn.sendJSON(ErrorMessage{
		BaseMessage: s.base(TypeError, conn, runID),
		Code:        code,
		Message:     message,
	})
}

func (s *Server) base(typ string, conn *connection, runID string) BaseMessage {
	return BaseMessage{
		Type:      typ,
		Ts:        time.Now().UnixMilli(),
		SessionID: conn.handle.ID(),
		RunID:     runID,
	}
}
