// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog holds the static table of inference models the
// bridge can route replies through. The table is compiled in: the
// bridge exposes a fixed, tested surface rather than whatever the
// backend happens to advertise.
package catalog

import "fmt"

// Model describes one selectable inference model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// ContextWindow is the model's context size in tokens, used in
	// the start message to help users pick.
	ContextWindow int `json:"contextWindow"`
}

// models is the catalog, ordered by preference. The first entry is
// the fallback when no model is selected and none is configured.
var models = []Model{
	{
		ID:            "gpt-4o",
		Name:          "GPT-4o",
		Description:   "General-purpose default, good code quality",
		ContextWindow: 128000,
	},
	{
		ID:            "gpt-4o-mini",
		Name:          "GPT-4o mini",
		Description:   "Fast and cheap, for short answers",
		ContextWindow: 128000,
	},
	{
		ID:            "o3-mini",
		Name:          "o3-mini",
		Description:   "Reasoning model for harder coding questions",
		ContextWindow: 200000,
	},
	{
		ID:            "gpt-4.1",
		Name:          "GPT-4.1",
		Description:   "Large-context model for long documents",
		ContextWindow: 1000000,
	},
}

// List returns all catalog entries in preference order. The returned
// slice is a copy; callers may reorder it freely.
func List() []Model {
	out := make([]Model, len(models))
	copy(out, models)
	return out
}

// FindByID returns the catalog entry with the given id.
func FindByID(id string) (Model, error) {
	for _, model := range models {
		if model.ID == id {
			return model, nil
		}
	}
	return Model{}, fmt.Errorf("catalog: unknown model %q", id)
}

// DefaultID returns the id of the first catalog entry.
func DefaultID() string {
	return models[0].ID
}
