// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "encoding/json"

// protocolVersion is the protocol version reported by initialize.
// The server always responds with this version regardless of what
// the client requests; the client decides whether it can proceed.
const protocolVersion = "2024-11-05"

// serverName identifies this server in the initialize response.
const serverName = "telegram-copilot-bridge"

// JSON-RPC 2.0 standard error codes, plus the server-defined code
// for tool execution failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeToolError      = -32000
)

// request is a JSON-RPC 2.0 request or notification. Notifications
// are distinguished by having no ID field.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports whether this request has no ID and so
// expects no response.
func (r *request) isNotification() bool {
	return len(r.ID) == 0
}

// wellFormed reports whether the request satisfies the minimal
// JSON-RPC 2.0 shape: the version marker and a method name. A batch
// containing any element that fails this is rejected whole.
func (r *request) wellFormed() bool {
	return r.JSONRPC == "2.0" && r.Method != ""
}

// response is a JSON-RPC 2.0 response. Exactly one of Result or
// Error is set.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// initializeResult is the server's initialize response.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
}

// serverCapabilities declares what the server supports. The empty
// tools marker signals tool support.
type serverCapabilities struct {
	Tools toolCapability `json:"tools"`
}

// toolCapability is the (empty) tools capability marker.
type toolCapability struct{}

// serverInfo identifies the server.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolsListResult is the result for tools/list.
type toolsListResult struct {
	Tools []toolDescription `json:"tools"`
}

// toolDescription describes a single tool for tools/list.
type toolDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"inputSchema"`
}

// toolsCallParams is the client's tools/call request parameters.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// toolsCallResult is the server's tools/call response: the tool's
// result serialized as JSON inside a single text content block.
type toolsCallResult struct {
	Content []contentBlock `json:"content"`
}

// contentBlock is one content element within a tool result.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
