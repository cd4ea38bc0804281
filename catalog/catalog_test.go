// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import "testing"

func TestListReturnsACopy(t *testing.T) {
	first := List()
	if len(first) == 0 {
		t.Fatal("List returned no models")
	}
	first[0].ID = "mutated"

	second := List()
	if second[0].ID == "mutated" {
		t.Error("mutating the returned slice changed the catalog")
	}
}

func TestFindByID(t *testing.T) {
	for _, model := range List() {
		found, err := FindByID(model.ID)
		if err != nil {
			t.Errorf("FindByID(%q): %v", model.ID, err)
		}
		if found.ID != model.ID {
			t.Errorf("FindByID(%q) returned %q", model.ID, found.ID)
		}
	}

	if _, err := FindByID("gpt-99-ultra"); err == nil {
		t.Error("FindByID accepted an unknown id")
	}
}

func TestDefaultIDIsInCatalog(t *testing.T) {
	if _, err := FindByID(DefaultID()); err != nil {
		t.Errorf("default model %q is not in the catalog: %v", DefaultID(), err)
	}
}
