package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// MCP-specific codes, allocated from the implementation-defined server error
// range (-32000 to -32099).
const (
	CodeUnauthorized           ErrorCode = -32001
	CodePhaseViolation         ErrorCode = -32002
	CodeCapabilityNotSupported ErrorCode = -32003
	CodeRateLimited            ErrorCode = -32004
	CodeRequestCancelled       ErrorCode = -32005
)

// String returns the symbolic name of the code.
func (c ErrorCode) String() string {
	switch c {
	case CodeParseError:
		return "ParseError"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeMethodNotFound:
		return "MethodNotFound"
	case CodeInvalidParams:
		return "InvalidParams"
	case CodeInternalError:
		return "InternalError"
	case CodeUnauthorized:
		return "Unauthorized"
	case CodePhaseViolation:
		return "PhaseViolation"
	case CodeCapabilityNotSupported:
		return "CapabilityNotSupported"
	case CodeRateLimited:
		return "RateLimited"
	case CodeRequestCancelled:
		return "RequestCancelled"
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// MCPError wraps ErrorPayload to implement the error interface.
// Handlers can return this type to provide specific JSON-RPC error details.
type MCPError struct {
	ErrorPayload
}

// Error implements the error interface for MCPError.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP Error: Code=%d (%s), Message=%s", e.Code, e.Code, e.Message)
}

// Is matches another *MCPError with the same code, so sentinel comparisons
// like errors.Is(err, &MCPError{ErrorPayload{Code: CodePhaseViolation}}) work.
func (e *MCPError) Is(target error) bool {
	t, ok := target.(*MCPError)
	return ok && t.Code == e.Code
}

// WithData attaches structured detail to the error.
func (e *MCPError) WithData(data any) *MCPError {
	raw, err := json.Marshal(data)
	if err == nil {
		e.Data = raw
	}
	return e
}

// NewError creates an *MCPError with the given code and message.
func NewError(code ErrorCode, message string) *MCPError {
	return &MCPError{ErrorPayload: ErrorPayload{Code: code, Message: message}}
}

// Helper function to create a new MCPError for Invalid Params
func NewInvalidParamsError(message string) *MCPError {
	return NewError(CodeInvalidParams, message)
}

// Helper function to create a new MCPError for Method Not Found
func NewMethodNotFoundError(methodName string) *MCPError {
	return NewError(CodeMethodNotFound, fmt.Sprintf("Method not found: %s", methodName))
}

// NewInvalidRequestError reports a structurally invalid message.
func NewInvalidRequestError(message string) *MCPError {
	return NewError(CodeInvalidRequest, message)
}

// NewParseError reports undecodable JSON.
func NewParseError(message string) *MCPError {
	return NewError(CodeParseError, message)
}

// NewInternalError reports a failure inside the engine or a handler.
func NewInternalError(message string) *MCPError {
	return NewError(CodeInternalError, message)
}

// NewPhaseViolationError reports a method used in the wrong connection phase.
func NewPhaseViolationError(method, phase string) *MCPError {
	return NewError(CodePhaseViolation, fmt.Sprintf("method %q not allowed in phase %s", method, phase))
}

// NewCapabilityNotSupportedError reports a method whose feature was not negotiated.
func NewCapabilityNotSupportedError(method, feature string) *MCPError {
	return NewError(CodeCapabilityNotSupported,
		fmt.Sprintf("method %q requires capability %q, which was not negotiated", method, feature))
}

// NewUnauthorizedError reports a rejection by the pre-dispatch auth check.
func NewUnauthorizedError(message string) *MCPError {
	return NewError(CodeUnauthorized, message)
}

// AsMCPError extracts an *MCPError from err's chain.
func AsMCPError(err error) (*MCPError, bool) {
	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given JSON-RPC error code.
func IsCode(err error, code ErrorCode) bool {
	mcpErr, ok := AsMCPError(err)
	return ok && mcpErr.Code == code
}

// DecodeError reports a message that failed validation. ID is set when the
// offending message carried a usable id, so the receiver can answer it.
type DecodeError struct {
	ID  RequestID
	Err *MCPError
}

func (e *DecodeError) Error() string {
	if e.ID.IsZero() {
		return fmt.Sprintf("decode: %s", e.Err.Message)
	}
	return fmt.Sprintf("decode (id %s): %s", e.ID, e.Err.Message)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Response builds the error response the receiver should send back.
func (e *DecodeError) Response() *Response {
	payload := e.Err.ErrorPayload
	return &Response{JSONRPC: JSONRPCVersion, ID: e.ID, Error: &payload}
}

// BatchDecodeError is returned when some elements of a batch are invalid.
// Valid holds the elements that decoded successfully; each entry of Errors
// deserves its own error response.
type BatchDecodeError struct {
	Valid  Batch
	Errors []*DecodeError
}

func (e *BatchDecodeError) Error() string {
	return fmt.Sprintf("batch contains %d invalid element(s)", len(e.Errors))
}
