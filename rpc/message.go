// Package rpc exposes the coordination core over JSON-RPC 2.0, served over
// plain HTTP POST and WebSocket streams.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/lapa-ai/nexus/types"
)

// Message is a JSON-RPC 2.0 envelope covering requests, responses, and
// notifications.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, plus the implementation-defined range
// used for coordination failures.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeCoordination carries a structured coordination error; the
	// error data holds the domain code and retryability.
	CodeCoordination = -32000
	// CodeRateLimited is returned when a connection exceeds its request
	// budget.
	CodeRateLimited = -32001
)

// NewRequest creates a request message.
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Method: method, Params: raw}, nil
}

// NewResponse creates a success response for the given request id.
func NewResponse(id any, result any) *Message {
	return &Message{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse creates an error response for the given request id.
func NewErrorResponse(id any, code int, message string, data any) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}
}

// errorResponse maps a handler error onto the wire. Structured coordination
// errors keep their domain code and retryability in the error data so
// callers can decide whether to retry.
func errorResponse(id any, err error) *Message {
	var e *types.Error
	if !errors.As(err, &e) {
		return NewErrorResponse(id, CodeInternalError, err.Error(), nil)
	}
	return NewErrorResponse(id, CodeCoordination, e.Message, map[string]any{
		"code":      string(e.Code),
		"retryable": e.Retryable,
	})
}
