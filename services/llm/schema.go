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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Schema is the subset of JSON Schema that every supported provider accepts
// for both function parameters and structured output.
//
// Description:
//
//	Marshals as standard lowercase JSON Schema. Gemini needs OpenAPI-style
//	uppercase types and an explicit propertyOrdering, which the Gemini
//	client derives from the same value (see toGeminiSchema).
//
// Thread Safety: Treat as immutable once handed to a client.
type Schema struct {
	Type        string             `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
	Format      string             `json:"format,omitempty"`
	Enum        []string           `json:"enum,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty"`

	// PropertyOrdering fixes the order in which the model emits object
	// fields. Only Gemini honors it on the wire.
	PropertyOrdering []string `json:"-"`
}

// ParseSchema converts a raw JSON Schema document into a Schema.
//
// Description:
//
//	Keywords outside the supported subset are dropped. Union types such as
//	["string","null"] collapse to their first non-null member. Enums are
//	kept only when every value is a string.
//
// Inputs:
//   - raw: JSON Schema bytes. Empty input yields an empty object schema.
//
// Outputs:
//   - *Schema: The converted schema.
//   - error: Non-nil if raw is not a JSON object.
func ParseSchema(raw []byte) (*Schema, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return &Schema{Type: "object"}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	s := schemaFromMap(doc)
	if s.Type == "" {
		s.Type = "object"
	}
	return s, nil
}

func schemaFromMap(m map[string]any) *Schema {
	s := &Schema{}
	switch t := m["type"].(type) {
	case string:
		s.Type = t
	case []any:
		for _, v := range t {
			if str, ok := v.(string); ok && str != "null" {
				s.Type = str
				break
			}
		}
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if f, ok := m["format"].(string); ok {
		s.Format = f
	}
	if enum, ok := m["enum"].([]any); ok {
		values := make([]string, 0, len(enum))
		for _, v := range enum {
			str, ok := v.(string)
			if !ok {
				values = nil
				break
			}
			values = append(values, str)
		}
		s.Enum = values
	}
	if props, ok := m["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = schemaFromMap(pm)
			}
		}
		if s.Type == "" {
			s.Type = "object"
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if str, ok := r.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = schemaFromMap(items)
	}
	return s
}

// IsRequired reports whether name is listed in Required.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// PropertyNames returns the property names in emission order: the explicit
// PropertyOrdering first, then any remaining names alphabetically.
func (s *Schema) PropertyNames() []string {
	if s == nil || len(s.Properties) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(s.Properties))
	names := make([]string, 0, len(s.Properties))
	for _, n := range s.PropertyOrdering {
		if _, ok := s.Properties[n]; ok && !seen[n] {
			names = append(names, n)
			seen[n] = true
		}
	}
	var rest []string
	for n := range s.Properties {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	c := *s
	c.Enum = append([]string(nil), s.Enum...)
	c.Required = append([]string(nil), s.Required...)
	c.PropertyOrdering = append([]string(nil), s.PropertyOrdering...)
	c.Items = s.Items.Clone()
	if s.Properties != nil {
		c.Properties = make(map[string]*Schema, len(s.Properties))
		for k, v := range s.Properties {
			c.Properties[k] = v.Clone()
		}
	}
	return &c
}
