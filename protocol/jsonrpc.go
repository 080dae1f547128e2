// Package protocol defines the message model for the Model Context Protocol (MCP),
// based on the JSON-RPC 2.0 specification: requests, responses, notifications,
// batches, error codes, method names and capability negotiation types.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the only value accepted in the "jsonrpc" discriminator.
const JSONRPCVersion = "2.0"

// RequestID is a JSON-RPC request identifier. On the wire it is either a
// string or an integer. The zero value is the null id, which is only valid
// on error responses produced before the offending request's id was known.
type RequestID struct {
	str   string
	num   int64
	isStr bool
	valid bool
}

// NewStringID returns a string request id.
func NewStringID(s string) RequestID {
	return RequestID{str: s, isStr: true, valid: true}
}

// NewNumberID returns an integer request id.
func NewNumberID(n int64) RequestID {
	return RequestID{num: n, valid: true}
}

// IsZero reports whether the id is the null id.
func (id RequestID) IsZero() bool { return !id.valid }

// IsString reports whether the id was a JSON string.
func (id RequestID) IsString() bool { return id.valid && id.isStr }

// Key returns a representation that is unique across string and integer ids,
// so "1" and 1 never collide when used as a map key.
func (id RequestID) Key() string {
	switch {
	case !id.valid:
		return "null"
	case id.isStr:
		return "s:" + id.str
	default:
		return "n:" + strconv.FormatInt(id.num, 10)
	}
}

// String renders the id for logs.
func (id RequestID) String() string {
	switch {
	case !id.valid:
		return "<null>"
	case id.isStr:
		return strconv.Quote(id.str)
	default:
		return strconv.FormatInt(id.num, 10)
	}
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case !id.valid:
		return []byte("null"), nil
	case id.isStr:
		return json.Marshal(id.str)
	default:
		return []byte(strconv.FormatInt(id.num, 10)), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler. Fractional numbers are rejected.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = RequestID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("request id must be a string or integer, got %s", data)
	}
	*id = NewNumberID(n)
	return nil
}

// Message is one of *Request, *Response, *Notification or Batch.
type Message interface {
	isMessage()
}

// ErrorPayload defines the structure for the 'error' object within a JSON-RPC response.
type ErrorPayload struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Request represents a JSON-RPC request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC response object. Exactly one of Result and
// Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// Notification represents a JSON-RPC notification object. Notifications
// never carry an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Batch is a JSON-RPC batch. Inbound batches contain requests and
// notifications; a batch reply contains responses.
type Batch []Message

func (*Request) isMessage()      {}
func (*Response) isMessage()     {}
func (*Notification) isMessage() {}
func (Batch) isMessage()         {}

// NewRequest builds a request, marshalling params unless they are already raw JSON.
func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

// NewSuccessResponse creates a success response. A nil result is encoded as
// an empty object so the response always carries a result member.
func NewSuccessResponse(id RequestID, result any) (*Response, error) {
	raw, err := marshalParams(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPC: JSONRPCVersion,
		ID:      id, // null if the error occurred before the id was parsed
		Error:   &ErrorPayload{Code: code, Message: message},
	}
}

// NewErrorResponseFromError converts err into an error response. An *MCPError
// keeps its code, message and data; anything else becomes InternalError with
// a generic message so handler internals are not leaked to the peer.
func NewErrorResponseFromError(id RequestID, err error) *Response {
	if mcpErr, ok := AsMCPError(err); ok {
		payload := mcpErr.ErrorPayload
		return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: &payload}
	}
	return NewErrorResponse(id, CodeInternalError, "internal error")
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool { return r.Error != nil }

// Err returns the response error as an *MCPError, or nil on success.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return &MCPError{ErrorPayload: *r.Error}
}

// UnmarshalResult decodes the result member into target.
func (r *Response) UnmarshalResult(target any) error {
	if r.Error != nil {
		return r.Err()
	}
	return UnmarshalPayload(r.Result, target)
}

// UnmarshalPayload decodes raw params or result JSON into target.
func UnmarshalPayload(payload json.RawMessage, target any) error {
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		return fmt.Errorf("payload is empty, cannot unmarshal into %T", target)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("failed to unmarshal payload into target type %T: %w", target, err)
	}
	return nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params (type %T): %w", params, err)
	}
	return raw, nil
}
