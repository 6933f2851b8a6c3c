// Package service exposes the task runner operations used by the CLI and
// the HTTP transport.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/conversation"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/session"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

const teardownTimeout = 10 * time.Second

// Options controls one-shot runs and ephemeral session cleanup.
type Options struct {
	// AutoCleanup tears ephemeral sessions down once they are done.
	AutoCleanup  bool
	Conversation conversation.Options
}

// DefaultOptions returns Options with AutoCleanup enabled.
func DefaultOptions() Options {
	return Options{AutoCleanup: true}
}

// Response is the outcome of one completed turn.
type Response struct {
	SessionID string            `json:"session_id"`
	RunID     string            `json:"run_id"`
	Status    domain.RunStatus  `json:"status"`
	Text      string            `json:"text"`
	Messages  []domain.Message  `json:"messages"`
	Citations []domain.Citation `json:"citations,omitempty"`
}

func newResponse(sessionID string, run *domain.Run, replies []domain.Message) *Response {
	resp := &Response{
		SessionID: sessionID,
		Messages:  replies,
		Status:    domain.RunStatusCompleted,
	}
	if run != nil {
		resp.RunID = run.RunID
	}
	texts := make([]string, 0, len(replies))
	for _, m := range replies {
		if m.Role != domain.RoleAssistant {
			continue
		}
		texts = append(texts, m.Content)
		resp.Citations = append(resp.Citations, m.Citations...)
	}
	resp.Text = strings.Join(texts, "\n")
	return resp
}

// RunOnce sends prompt on a fresh ephemeral session and returns the reply.
// With AutoCleanup the session is torn down on every exit path.
func RunOnce(ctx context.Context, b backend.Backend, registry *tools.Registry, prompt string, opts Options) (*Response, error) {
	sessionID := domain.NewSessionID()
	conv := conversation.New(sessionID, b, registry, opts.Conversation)
	if opts.AutoCleanup {
		defer func() {
			conv.Close()
			teardown(ctx, b, sessionID, opts.Conversation.Logger)
		}()
	}

	replies, err := conv.Send(ctx, domain.UserMessage(prompt))
	if err != nil {
		return nil, err
	}
	return newResponse(sessionID, conv.LastRun(), replies), nil
}

func teardown(ctx context.Context, b backend.Backend, sessionID string, logger *zerolog.Logger) {
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := b.Teardown(teardownCtx, sessionID); err != nil && logger != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("teardown failed")
	}
}

// Service ties the session manager to the backend and tool registry.
type Service struct {
	manager  *session.Manager
	backend  backend.Backend
	registry *tools.Registry
	opts     Options
	logger   zerolog.Logger
}

// New creates a Service.
func New(manager *session.Manager, b backend.Backend, registry *tools.Registry, opts Options, logger zerolog.Logger) *Service {
	if opts.Conversation.Logger == nil {
		opts.Conversation.Logger = &logger
	}
	return &Service{
		manager:  manager,
		backend:  b,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// Open returns the session a chat for userID should use.
func (s *Service) Open(ctx context.Context, userID string, persistent bool) (*session.Handle, error) {
	return s.manager.GetOrCreate(ctx, userID, persistent)
}

// Send runs one turn on an open session.
func (s *Service) Send(ctx context.Context, h *session.Handle, text string) (*Response, error) {
	replies, err := h.Send(ctx, domain.UserMessage(text))
	if err != nil {
		return nil, err
	}
	return newResponse(h.ID(), h.Conversation().LastRun(), replies), nil
}

// End finishes a chat. Ephemeral sessions are released when AutoCleanup is
// on; persistent sessions are kept.
func (s *Service) End(ctx context.Context, h *session.Handle) error {
	if h.Persistent() || !s.opts.AutoCleanup {
		return nil
	}
	return s.manager.Release(ctx, h)
}

// Chat sends text for userID. Persistent chats reuse the user's session;
// ephemeral chats run on a fresh session that is ended afterwards.
func (s *Service) Chat(ctx context.Context, userID string, persistent bool, text string) (*Response, error) {
	h, err := s.Open(ctx, userID, persistent)
	if err != nil {
		return nil, err
	}
	if !persistent {
		defer func() {
			if err := s.End(ctx, h); err != nil {
				s.logger.Warn().Err(err).Str("session_id", h.ID()).Msg("failed to end session")
			}
		}()
	}
	return s.Send(ctx, h, text)
}

// Ask answers a single prompt outside of any user session.
func (s *Service) Ask(ctx context.Context, prompt string) (*Response, error) {
	return RunOnce(ctx, s.backend, s.registry, prompt, s.opts)
}

// Cancel stops every in-flight run of userID. It reports whether any run
// was cancelled.
func (s *Service) Cancel(userID string) bool {
	cancelled := false
	for _, h := range s.manager.Sessions(userID) {
		if h.Conversation().Cancel() {
			cancelled = true
		}
	}
	return cancelled
}

// History returns the history of the live persistent session of userID.
func (s *Service) History(userID string) ([]domain.Message, error) {
	h, ok := s.manager.Lookup(userID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return h.Conversation().History(), nil
}

// ExportHistory encodes the history of the live persistent session of
// userID in the portable history format.
func (s *Service) ExportHistory(userID string) ([]byte, error) {
	history, err := s.History(userID)
	if err != nil {
		return nil, err
	}
	return domain.EncodeHistory(history)
}

// ImportHistory replaces the persistent session of userID with one seeded
// from an exported history.
func (s *Service) ImportHistory(ctx context.Context, userID string, data []byte) (*session.Handle, error) {
	history, err := domain.DecodeHistory(data)
	if err != nil {
		return nil, err
	}
	return s.manager.Import(ctx, userID, history)
}

// Run returns a run of one of userID's sessions.
func (s *Service) Run(ctx context.Context, userID, runID string) (*domain.Run, error) {
	return s.manager.LookupRun(ctx, userID, runID)
}

// Evict destroys every session of userID.
func (s *Service) Evict(ctx context.Context, userID string) error {
	return s.manager.Evict(ctx, userID)
}

// Tools lists the registered tools.
func (s *Service) Tools() []tools.Definition {
	if s.registry == nil {
		return nil
	}
	return s.registry.Definitions()
}

func (s *Service) Stats() session.Stats {
	return s.manager.Stats()
}
