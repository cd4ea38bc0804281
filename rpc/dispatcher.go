// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the JSON-RPC 2.0 surface of the bridge: a
// stream framer that recovers discrete requests from raw bytes in
// either Content-Length framed or bare newline-delimited encoding,
// and a dispatcher that routes them to protocol methods and tool
// handlers.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/version"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/tool"
)

// Dispatcher routes parsed requests to protocol methods and the tool
// registry, converting every handler failure into a structured error
// response. It never lets a handler failure or panic escape request
// handling.
type Dispatcher struct {
	registry *tool.Registry
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given registry.
func NewDispatcher(registry *tool.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Handle processes one request and returns its response, or nil when
// the request is a notification and no response is owed.
func (d *Dispatcher) Handle(ctx context.Context, req *request) *response {
	if req.isNotification() {
		// notifications/initialized and any other notification are
		// fire-and-forget.
		return nil
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) handleInitialize(req *request) *response {
	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    serverCapabilities{},
		ServerInfo: serverInfo{
			Name:    serverName,
			Version: version.Short(),
		},
	})
}

func (d *Dispatcher) handleToolsList(req *request) *response {
	tools := d.registry.List()
	descriptions := make([]toolDescription, 0, len(tools))
	for _, t := range tools {
		descriptions = append(descriptions, toolDescription{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Schema,
		})
	}
	return resultResponse(req.ID, toolsListResult{Tools: descriptions})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *request) *response {
	if len(req.Params) == 0 {
		return errorResponse(req.ID, codeInvalidParams, "params required for tools/call")
	}
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	result, err := d.callTool(ctx, params.Name, params.Arguments)
	if err != nil {
		d.logger.Warn("tool call failed", "tool", params.Name, "error", err)
		return errorResponse(req.ID, codeToolError, err.Error())
	}

	serialized, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, codeToolError,
			fmt.Sprintf("serializing result of %s: %v", params.Name, err))
	}
	return resultResponse(req.ID, toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: string(serialized)}},
	})
}

// callTool runs the handler with panic recovery. A panicking handler
// becomes a tool execution error like any other failure; the event
// loop must survive it.
func (d *Dispatcher) callTool(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			stack := strings.TrimSpace(string(debug.Stack()))
			d.logger.Error("tool handler panicked",
				"tool", name, "panic", recovered, "stack", stack)
			err = fmt.Errorf("tool %s panicked: %v", name, recovered)
		}
	}()
	return d.registry.Call(ctx, name, args)
}

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}
