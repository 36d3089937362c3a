// Copyright 2024 The OSS Rebuild Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeConfigOverridesSetKeys(t *testing.T) {
	defaults := map[string]any{
		"temperature": 0.7,
		"model":       "default-model",
		"nested":      map[string]any{"a": 1, "b": 2},
		"list":        []any{"x", "y"},
	}
	input := map[string]any{
		"model":  "custom-model",
		"nested": map[string]any{"b": 99, "c": 3},
		"list":   []any{"z"},
	}
	got := MergeConfig(input, defaults)
	want := map[string]any{
		"temperature": 0.7,
		"model":       "custom-model",
		"nested":      map[string]any{"a": 1, "b": 99, "c": 3},
		"list":        []any{"z"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeConfigEmptyInput(t *testing.T) {
	defaults := map[string]any{"a": 1}
	got := MergeConfig(nil, defaults)
	if diff := cmp.Diff(defaults, got); diff != "" {
		t.Errorf("MergeConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeConfigUnsetKeysFallThrough(t *testing.T) {
	defaults := map[string]any{"a": 1, "b": 2}
	input := map[string]any{"a": 5}
	got := MergeConfig(input, defaults)
	if got["b"] != 2 {
		t.Errorf("MergeConfig()[\"b\"] = %v, want 2 (fell through to default)", got["b"])
	}
	if got["a"] != 5 {
		t.Errorf("MergeConfig()[\"a\"] = %v, want 5 (caller override)", got["a"])
	}
}
