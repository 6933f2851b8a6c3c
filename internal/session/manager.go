// Package session maps users to live conversations and owns their
// lifecycle: creation, rehydration, capacity, eviction and retention.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/conversation"
	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/tools"
)

const (
	DefaultMaxSessionsPerUser = 5
	DefaultRetentionWindow    = 30 * 24 * time.Hour
	DefaultSweepInterval      = time.Minute

	teardownTimeout = 10 * time.Second
	sweepTimeout    = 30 * time.Second
)

// Close reasons reported to metrics and logs.
const (
	ReasonReleased = "released"
	ReasonReplaced = "replaced"
	ReasonEvicted  = "evicted"
	ReasonExpired  = "expired"
	ReasonShutdown = "shutdown"
)

// Store persists persistent sessions. *repository.SQLiteStore satisfies it.
type Store interface {
	conversation.Recorder
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	FindPersistentSession(ctx context.Context, userID string) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error)
	GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Config tunes a Manager. Zero values select the defaults, except
// MaxSessionsPerUser where a negative value means unlimited.
type Config struct {
	MaxSessionsPerUser int
	RetentionWindow    time.Duration
	SweepInterval      time.Duration
	// Conversation is the template for every conversation the manager
	// creates. UserID and Recorder are filled in per session.
	Conversation conversation.Options
}

// Handle is a live session owned by the manager.
type Handle struct {
	session domain.Session
	conv    *conversation.Conversation
}

func (h *Handle) ID() string { return h.session.SessionID }

func (h *Handle) UserID() string { return h.session.UserID }

func (h *Handle) Persistent() bool { return h.session.Persistent }

func (h *Handle) CreatedAt() time.Time { return h.session.CreatedAt }

// Conversation returns the conversation driving this session.
func (h *Handle) Conversation() *conversation.Conversation { return h.conv }

// Send is a shorthand for Conversation().Send.
func (h *Handle) Send(ctx context.Context, msg domain.Message) ([]domain.Message, error) {
	return h.conv.Send(ctx, msg)
}

type userSessions struct {
	persistent *Handle
	live       map[string]*Handle
}

// Manager owns every live session of the process.
type Manager struct {
	backend  backend.Backend
	registry *tools.Registry
	store    Store
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	locks *keyedMutex

	mu     sync.RWMutex
	users  map[string]*userSessions
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore enables persistence and rehydration of persistent sessions.
func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager over a backend and a sealed tool registry.
func NewManager(b backend.Backend, registry *tools.Registry, cfg Config, opts ...Option) *Manager {
	if cfg.MaxSessionsPerUser == 0 {
		cfg.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = DefaultRetentionWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		backend:  b,
		registry: registry,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		locks:    newKeyedMutex(),
		users:    make(map[string]*userSessions),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreate returns the persistent session of userID when persistent is
// set and one exists, live or stored. Otherwise it creates a new session.
func (m *Manager) GetOrCreate(ctx context.Context, userID string, persistent bool) (*Handle, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	if m.isClosed() {
		return nil, domain.ErrSessionClosed
	}

	if persistent {
		if h := m.persistentHandle(userID); h != nil {
			return h, nil
		}
		h, err := m.rehydrate(ctx, userID)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
	}

	if limit := m.cfg.MaxSessionsPerUser; limit > 0 && m.liveCount(userID) >= limit {
		return nil, &domain.CapacityExceededError{UserID: userID, Limit: limit}
	}

	now := time.Now().UTC()
	sess := domain.Session{
		SessionID:      domain.NewSessionID(),
		UserID:         userID,
		Persistent:     persistent,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if persistent && m.store != nil {
		if err := m.store.CreateSession(ctx, &sess); err != nil {
			return nil, err
		}
	}
	h := &Handle{session: sess, conv: conversation.New(sess.SessionID, m.backend, m.registry, m.conversationOptions(sess))}
	m.register(h)
	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", sess.SessionID).
		Bool("persistent", persistent).
		Msg("session created")
	return h, nil
}

func (m *Manager) rehydrate(ctx context.Context, userID string) (*Handle, error) {
	if m.store == nil {
		return nil, nil
	}
	stored, err := m.store.FindPersistentSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stored session: %w", err)
	}
	if stored == nil {
		return nil, nil
	}
	history, err := m.store.GetMessages(ctx, stored.SessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", stored.SessionID, err)
	}
	// Reopening counts as activity so the next sweep keeps the session.
	now := time.Now().UTC()
	if err := m.store.TouchSession(ctx, stored.SessionID, now); err != nil {
		m.logger.Warn().Err(err).Str("session_id", stored.SessionID).Msg("failed to touch stored session")
	} else {
		stored.LastActivityAt = now
	}
	h := &Handle{
		session: *stored,
		conv:    conversation.Restore(stored.SessionID, m.backend, m.registry, history, m.conversationOptions(*stored)),
	}
	m.register(h)
	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", stored.SessionID).
		Int("messages", len(history)).
		Msg("session rehydrated")
	return h, nil
}

func (m *Manager) conversationOptions(sess domain.Session) conversation.Options {
	opts := m.cfg.Conversation
	opts.UserID = sess.UserID
	if opts.Metrics == nil {
		opts.Metrics = m.metrics
	}
	if opts.Logger == nil {
		logger := m.logger
		opts.Logger = &logger
	}
	if sess.Persistent && m.store != nil {
		opts.Recorder = m.store
	}
	return opts
}

// Import replaces the persistent session of userID with a new one seeded
// with history. Messages get fresh ids so an export can be imported next to
// its source. Teardown failures of the replaced session are only logged.
func (m *Manager) Import(ctx context.Context, userID string, history []domain.Message) (*Handle, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	unlock := m.locks.Lock(userID)
	defer unlock()

	if m.isClosed() {
		return nil, domain.ErrSessionClosed
	}

	if old := m.persistentHandle(userID); old != nil {
		if old.conv.Busy() {
			return nil, domain.ErrRunInProgress
		}
		m.unregister(old)
		if err := m.destroy(ctx, old, ReasonReplaced); err != nil {
			m.logger.Warn().Err(err).Str("session_id", old.ID()).Msg("failed to release replaced session")
		}
	} else if m.store != nil {
		stored, err := m.store.FindPersistentSession(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up stored session: %w", err)
		}
		if stored != nil {
			if err := m.purgeStored(ctx, stored.SessionID); err != nil {
				m.logger.Warn().Err(err).Str("session_id", stored.SessionID).Msg("failed to release replaced session")
			}
		}
	}

	if limit := m.cfg.MaxSessionsPerUser; limit > 0 && m.liveCount(userID) >= limit {
		return nil, &domain.CapacityExceededError{UserID: userID, Limit: limit}
	}

	now := time.Now().UTC()
	sess := domain.Session{
		SessionID:      domain.NewSessionID(),
		UserID:         userID,
		Persistent:     true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	messages := make([]domain.Message, len(history))
	for i, msg := range history {
		msg.MessageID = domain.NewMessageID()
		msg.SessionID = sess.SessionID
		messages[i] = msg
	}
	if m.store != nil {
		if err := m.store.CreateSession(ctx, &sess); err != nil {
			return nil, err
		}
		if err := m.store.AppendMessages(ctx, sess.SessionID, messages); err != nil {
			_ = m.store.DeleteSession(context.WithoutCancel(ctx), sess.SessionID)
			return nil, fmt.Errorf("failed to store imported history: %w", err)
		}
	}

	h := &Handle{
		session: sess,
		conv:    conversation.Restore(sess.SessionID, m.backend, m.registry, messages, m.conversationOptions(sess)),
	}
	m.register(h)
	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", sess.SessionID).
		Int("messages", len(messages)).
		Msg("session imported")
	return h, nil
}

// LookupRun returns a run of one of userID's sessions: the last run of a
// live session, or a stored run record.
func (m *Manager) LookupRun(ctx context.Context, userID, runID string) (*domain.Run, error) {
	for _, h := range m.Sessions(userID) {
		if run := h.conv.LastRun(); run != nil && run.RunID == runID {
			return run, nil
		}
	}
	if m.store == nil {
		return nil, domain.ErrRunNotFound
	}
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	sess, err := m.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", run.SessionID, err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// Lookup returns the live persistent session of userID.
func (m *Manager) Lookup(userID string) (*Handle, bool) {
	h := m.persistentHandle(userID)
	return h, h != nil
}

// Sessions returns the live sessions of userID ordered by creation time.
func (m *Manager) Sessions(userID string) []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us := m.users[userID]
	if us == nil {
		return nil
	}
	out := make([]*Handle, 0, len(us.live))
	for _, h := range us.live {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session.CreatedAt.Before(out[j].session.CreatedAt) })
	return out
}

// Release destroys one session. Releasing an already destroyed session is a
// no-op.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	unlock := m.locks.Lock(h.UserID())
	defer unlock()
	if !m.unregister(h) {
		return nil
	}
	return m.destroy(ctx, h, ReasonReleased)
}

// Evict destroys every session of userID, live or stored. It is idempotent.
// Local state is always removed; backend teardown failures are returned
// aggregated.
func (m *Manager) Evict(ctx context.Context, userID string) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	var result *multierror.Error
	handles := m.Sessions(userID)
	seen := make(map[string]bool, len(handles))
	for _, h := range handles {
		seen[h.ID()] = true
		m.unregister(h)
		if err := m.destroy(ctx, h, ReasonEvicted); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if m.store != nil {
		stored, err := m.store.ListSessions(ctx, userID)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to list stored sessions: %w", err))
		}
		for _, s := range stored {
			if seen[s.SessionID] {
				continue
			}
			if err := m.purgeStored(ctx, s.SessionID); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	if len(handles) > 0 {
		m.logger.Info().Str("user_id", userID).Int("sessions", len(handles)).Msg("user evicted")
	}
	return result.ErrorOrNil()
}

// destroy cancels any in-flight run, clears the history, tears the backend
// thread down and deletes the stored record.
func (m *Manager) destroy(ctx context.Context, h *Handle, reason string) error {
	h.conv.Close()
	m.metrics.SessionClosed(reason)
	err := m.purgeStored(ctx, h.ID())
	m.logger.Info().
		Str("user_id", h.UserID()).
		Str("session_id", h.ID()).
		Str("reason", reason).
		Msg("session destroyed")
	return err
}

// purgeStored releases backend resources and the stored record of a session.
func (m *Manager) purgeStored(ctx context.Context, sessionID string) error {
	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	var result *multierror.Error
	if err := m.backend.Teardown(teardownCtx, sessionID); err != nil {
		m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("backend teardown failed")
		result = multierror.Append(result, fmt.Errorf("teardown %s: %w", sessionID, err))
	}
	if m.store != nil {
		if err := m.store.DeleteSession(teardownCtx, sessionID); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to delete stored session")
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Sweep destroys sessions idle for longer than the retention window.
// Sessions with a run in flight are skipped. It returns the number of
// sessions removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.cfg.RetentionWindow)

	var (
		result  *multierror.Error
		removed int
	)
	for _, h := range m.allHandles() {
		if h.conv.Busy() || !h.conv.LastActivity().Before(cutoff) {
			continue
		}
		unlock := m.locks.Lock(h.UserID())
		if h.conv.Busy() || !m.unregister(h) {
			unlock()
			continue
		}
		if err := m.destroy(ctx, h, ReasonExpired); err != nil {
			result = multierror.Append(result, err)
		}
		unlock()
		removed++
	}

	if m.store != nil {
		stored, err := m.store.ListIdleSessions(ctx, cutoff)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to list idle sessions: %w", err))
		}
		for _, s := range stored {
			unlock := m.locks.Lock(s.UserID)
			if m.isLive(s.UserID, s.SessionID) {
				unlock()
				continue
			}
			if err := m.purgeStored(ctx, s.SessionID); err != nil {
				result = multierror.Append(result, err)
			} else {
				removed++
			}
			unlock()
		}
	}

	if removed > 0 {
		m.logger.Info().Int("sessions", removed).Msg("retention sweep removed idle sessions")
	}
	return removed, result.ErrorOrNil()
}

// Run sweeps on every SweepInterval tick until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			if _, err := m.Sweep(sweepCtx); err != nil {
				m.logger.Warn().Err(err).Msg("retention sweep failed")
			}
			cancel()
		}
	}
}

// Close stops accepting sessions and closes every live one. Ephemeral
// sessions are torn down; persistent ones keep their stored record so they
// can be rehydrated later.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var result *multierror.Error
	for _, h := range m.allHandles() {
		unlock := m.locks.Lock(h.UserID())
		if m.unregister(h) {
			if h.Persistent() && m.store != nil {
				h.conv.Close()
				m.metrics.SessionClosed(ReasonShutdown)
			} else if err := m.destroy(ctx, h, ReasonShutdown); err != nil {
				result = multierror.Append(result, err)
			}
		}
		unlock()
	}
	return result.ErrorOrNil()
}

// Stats is a point-in-time summary of the live sessions.
type Stats struct {
	Users      int `json:"users"`
	Sessions   int `json:"sessions"`
	Persistent int `json:"persistent"`
	Busy       int `json:"busy"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st Stats
	for _, us := range m.users {
		st.Users++
		st.Sessions += len(us.live)
		if us.persistent != nil {
			st.Persistent++
		}
		for _, h := range us.live {
			if h.conv.Busy() {
				st.Busy++
			}
		}
	}
	return st
}

func (m *Manager) register(h *Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us := m.users[h.UserID()]
	if us == nil {
		us = &userSessions{live: make(map[string]*Handle)}
		m.users[h.UserID()] = us
	}
	us.live[h.ID()] = h
	if h.Persistent() {
		us.persistent = h
	}
	m.metrics.SessionOpened()
}

func (m *Manager) unregister(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	us := m.users[h.UserID()]
	if us == nil || us.live[h.ID()] != h {
		return false
	}
	delete(us.live, h.ID())
	if us.persistent == h {
		us.persistent = nil
	}
	if len(us.live) == 0 {
		delete(m.users, h.UserID())
	}
	return true
}

func (m *Manager) persistentHandle(userID string) *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if us := m.users[userID]; us != nil {
		return us.persistent
	}
	return nil
}

func (m *Manager) liveCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if us := m.users[userID]; us != nil {
		return len(us.live)
	}
	return 0
}

func (m *Manager) isLive(userID, sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	us := m.users[userID]
	return us != nil && us.live[sessionID] != nil
}

func (m *Manager) allHandles() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Handle
	for _, us := range m.users {
		for _, h := range us.live {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
