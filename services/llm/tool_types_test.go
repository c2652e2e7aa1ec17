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
	"testing"
)

func TestToolCallResponse_ArgumentsString(t *testing.T) {
	tests := []struct {
		name string
		args json.RawMessage
		want string
	}{
		{"object", json.RawMessage(`{"path":"/foo","depth":3}`), `{"path":"/foo","depth":3}`},
		{"double encoded", json.RawMessage(`"{\"query\":\"hello\"}"`), `{"query":"hello"}`},
		{"empty", json.RawMessage{}, "{}"},
		{"nil", nil, "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ToolCallResponse{ID: "call-1", Name: "x", Arguments: tt.args}
			if got := tc.ArgumentsString(); got != tt.want {
				t.Errorf("ArgumentsString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolCallResponse_ArgumentsMap(t *testing.T) {
	tc := ToolCallResponse{Arguments: json.RawMessage(`"{\"query\":\"hello\",\"limit\":2}"`)}
	args, err := tc.ArgumentsMap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args["query"] != "hello" || args["limit"] != float64(2) {
		t.Errorf("args = %v", args)
	}

	empty := ToolCallResponse{}
	args, err = empty.ArgumentsMap()
	if err != nil || len(args) != 0 {
		t.Errorf("empty args = %v, err = %v", args, err)
	}

	bad := ToolCallResponse{Arguments: json.RawMessage(`[1,2]`)}
	if _, err := bad.ArgumentsMap(); err == nil {
		t.Error("expected error for array arguments")
	}
}
