package mcpjsonrpc

import (
	"encoding/json"
	"net/http"
)

// Based on JSON-RPC 2.0 Specification: https://www.jsonrpc.org/specification

// Version is the only JSON-RPC version spoken on the gateway.
const Version = "2.0"

// Request represents a JSON-RPC request object.
type Request struct {
	Version string          `json:"jsonrpc"`          // MUST be "2.0"
	Method  string          `json:"method"`           // Method to be invoked
	Params  json.RawMessage `json:"params,omitempty"` // Parameters (structured value or array)
	ID      any             `json:"id,omitempty"`     // Request identifier (string, number, or null)
}

// Response represents a JSON-RPC response object.
type Response struct {
	Version string `json:"jsonrpc"`          // MUST be "2.0"
	Result  any    `json:"result,omitempty"` // Required on success
	Error   *Error `json:"error,omitempty"`  // Required on error
	ID      any    `json:"id"`               // Must match request ID (or null if could not be determined)
}

// Error represents a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`           // Error code
	Message string `json:"message"`        // Error message
	Data    any    `json:"data,omitempty"` // Additional data about the error
}

// Error codes (subset, based on JSON-RPC spec and gateway errors)
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// -32000 to -32099: Server error (implementation-defined)
	CodeServerNotFound  = -32001
	CodeNoServerContext = -32002
	CodeUnauthorized    = -32003
	CodeForbidden       = -32004
)

// NewErrorResponse builds an error envelope for the given request ID.
func NewErrorResponse(id any, code int, message string) Response {
	return Response{
		Version: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// WriteError writes an error envelope with the given HTTP status. The request ID is unknown
// at the routing layer, so it is always null.
func WriteError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(NewErrorResponse(nil, code, message))
}
