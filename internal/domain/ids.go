package domain

import "github.com/google/uuid"

func NewSessionID() string  { return "sess_" + uuid.New().String() }
func NewRunID() string      { return "run_" + uuid.New().String() }
func NewMessageID() string  { return "msg_" + uuid.New().String() }
func NewToolCallID() string { return "call_" + uuid.New().String() }
