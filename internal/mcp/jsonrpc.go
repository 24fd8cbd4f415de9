// Package mcp implements the MCP Request Handler (C5): the JSON-RPC 2.0
// surface shared by the legacy single-POST proxy mode and the
// Streamable-HTTP transport, including the synthetic list_sessions tool
// that anchors multi-session disambiguation.
package mcp

import "encoding/json"

// Request is a JSON-RPC 2.0 request object. ID is raw because JSON-RPC ids
// may be a string, number, or null, and must be echoed back byte-for-byte.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object. Exactly one of Result/Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object shape. Data carries the bridge's
// own bridgeerr.Code plus any structured extra (available_tools,
// available_sessions, ...).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, used for framing errors (malformed
// request, unknown method); bridge-specific failures use -32000 with the
// bridgeerr.Code embedded in Data.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeBridgeError    = -32000
)

func newResult(id json.RawMessage, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id json.RawMessage, code int, message string, data any) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message, Data: data}}
}
