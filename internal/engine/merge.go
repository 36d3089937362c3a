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

// MergeConfig merges input over defaults per §4.3 step 3: input values
// override defaults for every key the caller set explicitly; keys the
// caller left unset fall through to defaults. Nested objects merge
// recursively; lists (and any other non-object value) replace wholesale.
func MergeConfig(input, defaults map[string]any) map[string]any {
	if defaults == nil && input == nil {
		return nil
	}
	merged := make(map[string]any, len(defaults)+len(input))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range input {
		defaultVal, hasDefault := defaults[k]
		inputObj, inputIsObj := v.(map[string]any)
		defaultObj, defaultIsObj := defaultVal.(map[string]any)
		if hasDefault && inputIsObj && defaultIsObj {
			merged[k] = MergeConfig(inputObj, defaultObj)
		} else {
			merged[k] = v
		}
	}
	return merged
}
