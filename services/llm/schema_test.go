// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"reflect"
	"testing"
)

func TestParseSchema(t *testing.T) {
	raw := []byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"query": {"type": "string", "description": "search terms"},
			"limit": {"type": ["integer", "null"]},
			"mode":  {"type": "string", "enum": ["fast", "full"]},
			"level": {"enum": [1, 2]},
			"tags":  {"type": "array", "items": {"type": "string"}}
		},
		"required": ["query"]
	}`)

	s, err := ParseSchema(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Type != "object" || !s.IsRequired("query") || s.IsRequired("limit") {
		t.Errorf("schema = %+v", s)
	}
	if s.Properties["limit"].Type != "integer" {
		t.Errorf("union type = %q, want integer", s.Properties["limit"].Type)
	}
	if !reflect.DeepEqual(s.Properties["mode"].Enum, []string{"fast", "full"}) {
		t.Errorf("mode enum = %v", s.Properties["mode"].Enum)
	}
	if s.Properties["level"].Enum != nil {
		t.Errorf("non-string enum should be dropped, got %v", s.Properties["level"].Enum)
	}
	if s.Properties["tags"].Items == nil || s.Properties["tags"].Items.Type != "string" {
		t.Errorf("tags items = %+v", s.Properties["tags"].Items)
	}
}

func TestParseSchema_EmptyAndInvalid(t *testing.T) {
	s, err := ParseSchema(nil)
	if err != nil || s.Type != "object" {
		t.Errorf("empty schema = %+v, err = %v", s, err)
	}
	if _, err := ParseSchema([]byte(`[1]`)); err == nil {
		t.Error("expected error for non-object schema")
	}
}

func TestSchema_PropertyNames(t *testing.T) {
	s := &Schema{
		Type: "object",
		Properties: map[string]*Schema{
			"b": {Type: "string"}, "a": {Type: "string"}, "z": {Type: "string"}, "c": {Type: "string"},
		},
		PropertyOrdering: []string{"z", "missing", "c"},
	}
	want := []string{"z", "c", "a", "b"}
	if got := s.PropertyNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("PropertyNames() = %v, want %v", got, want)
	}
}

func TestSchema_CloneIsDeep(t *testing.T) {
	s := &Schema{Type: "object", Properties: map[string]*Schema{"a": {Type: "string"}}, Required: []string{"a"}}
	c := s.Clone()
	c.Properties["a"].Type = "integer"
	c.Required[0] = "b"
	if s.Properties["a"].Type != "string" || s.Required[0] != "a" {
		t.Errorf("clone shares state with original: %+v", s)
	}
}
