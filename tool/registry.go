// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package tool holds the bridge's tool surface: static descriptors,
// an alias table mapping the legacy dotted names onto the canonical
// underscore names, and the handlers behind them.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknown marks a call to a name the registry does not know,
// canonical or alias. The dispatcher reports it as a tool execution
// failure like any other handler error; the sentinel exists so
// callers and tests can identify the cause with errors.Is.
var ErrUnknown = errors.New("unknown tool")

// ErrBadArgs marks arguments a handler could not decode or
// validate. Reported as a tool execution failure; the sentinel is
// for errors.Is.
var ErrBadArgs = errors.New("invalid arguments")

// Schema is the JSON-Schema-shaped input description advertised for
// a tool. Type is always "object".
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one input field of a tool.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// objectSchema builds a Schema with the given properties and
// required field names.
func objectSchema(properties map[string]Property, required ...string) Schema {
	if properties == nil {
		properties = map[string]Property{}
	}
	return Schema{Type: "object", Properties: properties, Required: required}
}

// Handler executes a tool call. args is the raw JSON arguments
// object; a nil or empty args is treated as {}.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is one registered tool: the canonical underscore name, the
// legacy dotted aliases it also answers to, and its handler.
type Tool struct {
	Name        string
	Aliases     []string
	Description string
	Schema      Schema
	Handler     Handler
}

// Registry maps tool names, canonical and alias alike, to tools.
type Registry struct {
	tools   map[string]*Tool
	aliases map[string]string
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		aliases: make(map[string]string),
	}
}

// Register adds a tool. Canonical names and aliases share one
// namespace; registering a duplicate is a programming error.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool: register: empty name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool: register %s: nil handler", t.Name)
	}
	if _, err := r.lookupName(t.Name); err == nil {
		return fmt.Errorf("tool: register %s: name already taken", t.Name)
	}
	for _, alias := range t.Aliases {
		if _, err := r.lookupName(alias); err == nil {
			return fmt.Errorf("tool: register %s: alias %s already taken", t.Name, alias)
		}
	}

	registered := t
	r.tools[t.Name] = &registered
	r.order = append(r.order, t.Name)
	for _, alias := range t.Aliases {
		r.aliases[alias] = t.Name
	}
	return nil
}

// lookupName resolves a canonical name or alias to its tool.
func (r *Registry) lookupName(name string) (*Tool, error) {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool: %w %q", ErrUnknown, name)
	}
	return t, nil
}

// List returns the registered tools under their canonical names, in
// registration order.
func (r *Registry) List() []Tool {
	list := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, *r.tools[name])
	}
	return list
}

// Names returns every accepted name, canonical and alias, sorted.
// Used for diagnostics.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools)+len(r.aliases))
	for name := range r.tools {
		names = append(names, name)
	}
	for alias := range r.aliases {
		names = append(names, alias)
	}
	sort.Strings(names)
	return names
}

// Call resolves the name through the alias table and runs the
// handler. An unknown name fails with ErrUnknown.
func (r *Registry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, err := r.lookupName(name)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return t.Handler(ctx, args)
}
