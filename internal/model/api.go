package model

import (
	"fmt"
	"strings"
	"time"
)

// Field length limits for command inputs.
const (
	MaxMessageLen  = 2000
	MaxLocationLen = 64
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAgentNotFound = "AGENT_NOT_FOUND"
	ErrCodeBusy          = "BUSY"
	ErrCodeLockTimeout   = "LOCK_TIMEOUT"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// MoveRequest is the request body for POST /v1/agents/{name}/move.
type MoveRequest struct {
	Location string `json:"location"`
}

// Validate checks the request shape. Whether the location exists is the
// town's call.
func (r MoveRequest) Validate() error {
	loc := strings.TrimSpace(r.Location)
	if loc == "" {
		return fmt.Errorf("location is required")
	}
	if len(loc) > MaxLocationLen {
		return fmt.Errorf("location exceeds maximum length of %d characters", MaxLocationLen)
	}
	return nil
}

// ChatRequest is the request body for POST /v1/agents/{name}/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// Validate checks the message is present and bounded.
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// ChatReply is what an agent says back to the user.
type ChatReply struct {
	Agent    string `json:"agent"`
	Text     string `json:"text"`
	Fallback bool   `json:"fallback"`
	Reason   string `json:"reason,omitempty"`
	Mood     string `json:"mood"`
	Version  uint64 `json:"version"`
}
