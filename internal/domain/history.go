package domain

import (
	"encoding/json"
	"fmt"
)

const historyVersion = 1

type historyEnvelope struct {
	Version  int       `json:"version"`
	Messages []Message `json:"messages"`
}

// EncodeHistory serializes an ordered message sequence.
func EncodeHistory(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	data, err := json.Marshal(historyEnvelope{Version: historyVersion, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return data, nil
}

// DecodeHistory restores a message sequence produced by EncodeHistory.
func DecodeHistory(data []byte) ([]Message, error) {
	var env historyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHistory, err)
	}
	if env.Version != historyVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidHistory, env.Version)
	}
	return env.Messages, nil
}
