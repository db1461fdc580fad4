// Package jsonrpc defines the wire envelope shared by every transport: requests,
// responses, the error taxonomy and the codecs used to put them on the wire.
package jsonrpc

import (
	"errors"
	"fmt"
)

// Error codes. The JSON-RPC 2.0 reserved range plus the runtime's own additions.
const (
	CodeUnknownError    = -32000
	CodeParseError      = -32700
	CodeInvalidRequest  = -32600
	CodeRemoteException = -32500
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
	CodeNotFound        = 404
	CodeUnauthorized    = -32401
)

var canonicalMessages = map[int]string{
	CodeUnknownError:    "Unknown error",
	CodeParseError:      "Parse error",
	CodeInvalidRequest:  "Invalid request",
	CodeRemoteException: "Remote application error",
	CodeMethodNotFound:  "Method not found",
	CodeInvalidParams:   "Invalid params",
	CodeInternalError:   "Internal error",
	CodeNotFound:        "Not found",
	CodeUnauthorized:    "Unauthorized",
}

var codeNames = map[int]string{
	CodeUnknownError:    "UNKNOWN_ERROR",
	CodeParseError:      "PARSE_ERROR",
	CodeInvalidRequest:  "INVALID_REQUEST",
	CodeRemoteException: "REMOTE_EXCEPTION",
	CodeMethodNotFound:  "METHOD_NOT_FOUND",
	CodeInvalidParams:   "INVALID_PARAMS",
	CodeInternalError:   "INTERNAL_ERROR",
	CodeNotFound:        "NOT_FOUND",
	CodeUnauthorized:    "UNAUTHORIZED",
}

// Error is a structured error carried in a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Name returns the taxonomy name of the code, or "" for custom codes.
func (e *Error) Name() string {
	return codeNames[e.Code]
}

// NewError creates an Error from a taxonomy code with its canonical message.
// Codes outside the taxonomy get the UNKNOWN_ERROR message.
func NewError(code int, data any) *Error {
	msg, ok := canonicalMessages[code]
	if !ok {
		msg = canonicalMessages[CodeUnknownError]
	}
	return &Error{Code: code, Message: msg, Data: data}
}

// NewCustomError creates an Error with a caller supplied code and message,
// for transport or application specific faults.
func NewCustomError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// AsError extracts a structured error from err's chain, or nil.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return nil
}

// HasCode reports whether err carries a structured error with the given code.
func HasCode(err error, code int) bool {
	rpcErr := AsError(err)
	return rpcErr != nil && rpcErr.Code == code
}

// CanonicalMessage returns the taxonomy message for code.
func CanonicalMessage(code int) (string, bool) {
	msg, ok := canonicalMessages[code]
	return msg, ok
}
