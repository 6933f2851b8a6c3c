package conversation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/domain"
	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/policy"
)

const (
	DefaultPollInterval = time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 500 * time.Millisecond
	maxRetryBackoff     = 10 * time.Second
	maxParallelTools    = 8
	cleanupTimeout      = 5 * time.Second
)

// Gate decides whether a tool call may be dispatched.
type Gate interface {
	Check(ctx context.Context, userID, sessionID string, call domain.ToolCall) (policy.Decision, error)
}

// Recorder persists appended messages and run records.
type Recorder interface {
	AppendMessages(ctx context.Context, sessionID string, messages []domain.Message) error
	SaveRun(ctx context.Context, run *domain.Run) error
}

// Options tunes a Conversation. Zero values select the defaults.
type Options struct {
	// UserID is passed to the Gate.
	UserID string
	// PollInterval is the fixed delay between polls.
	PollInterval time.Duration
	// MaxWait bounds the total time of one Send. Zero means no bound.
	MaxWait time.Duration
	// MaxAttempts bounds calls retried after BackendUnavailableError.
	MaxAttempts int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration

	Logger   *zerolog.Logger
	Metrics  *metrics.Metrics
	Recorder Recorder
	Gate     Gate
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}
