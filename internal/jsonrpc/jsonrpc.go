// Package jsonrpc holds the JSON-RPC 2.0 wire types shared by the gateway
// dispatch path and the backend stdio framing. The gateway never interprets
// request parameters or results beyond routing; both stay raw JSON so they
// can be forwarded verbatim.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only protocol version the gateway speaks.
const Version = "2.0"

// Error codes per JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway failure kinds carried in the error data field.
const (
	KindBackendUnavailable = "backend_unavailable"
	KindTimeout            = "timeout"
	KindShuttingDown       = "shutting_down"
)

var nullID = []byte("null")

// Request is an incoming JSON-RPC request. The ID is kept raw and echoed
// verbatim in the response; a missing or null ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must not receive a response.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, nullID)
}

// Response is an outgoing JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error makes *Error satisfy the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorData is the structured payload attached to gateway-originated
// internal errors (backend unavailable, timeout, shutdown).
type ErrorData struct {
	Kind      string `json:"kind"`
	BackendID string `json:"backendId,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Message is the union of request, notification, and response shapes, used
// when parsing a line from a backend where the kind is not known up front.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsResponse reports whether the message correlates to an outbound request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && !bytes.Equal(m.ID, nullID)
}

// IsServerInitiated reports whether the message is a request or
// notification originated by the backend.
func (m *Message) IsServerInitiated() bool {
	return m.Method != ""
}

// NewResponse builds a success response echoing the given id.
func NewResponse(id json.RawMessage, result json.RawMessage) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse builds an error response with the given code and message.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewGatewayError builds an internal-error response carrying the structured
// {kind, backendId, detail} data the gateway uses for its own failures.
func NewGatewayError(id json.RawMessage, kind, backendID, detail string) *Response {
	data, err := json.Marshal(ErrorData{Kind: kind, BackendID: backendID, Detail: detail})
	if err != nil {
		// ErrorData is a plain struct; this cannot fail in practice.
		data = nil
	}
	if len(id) == 0 {
		id = nullID
	}
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: CodeInternalError, Message: "internal error", Data: data},
	}
}

// ParseRequest decodes an incoming request body. On failure it returns the
// JSON-RPC response the caller should send back (parse error or invalid
// request) instead of a request.
func ParseRequest(body []byte) (*Request, *Response) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, NewErrorResponse(nil, CodeParseError, "parse error")
	}
	if req.JSONRPC != Version || req.Method == "" {
		return nil, NewErrorResponse(req.ID, CodeInvalidRequest, "invalid request")
	}
	return &req, nil
}

// MarshalResult encodes a native value as a raw result payload.
func MarshalResult(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return data, nil
}
