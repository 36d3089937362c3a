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
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrSchemaError is terminal for a Run and never reaches the Loader (§7).
var ErrSchemaError = errors.New("input schema validation failed")

// InputSchema is the on-disk normalization of a module's schemas.<ext>
// InputSchema export: the module's own language runtime owns the rich
// type, but the node validates the shape it can check before ever
// spawning a subprocess, per §4.3 step 4. Modules that don't ship
// configs/input_schema.json skip validation entirely.
type InputSchema struct {
	Required   []string                  `json:"required"`
	Properties map[string]map[string]any `json:"properties"`
}

// LoadInputSchema reads a module's declared input schema, returning (nil,
// nil) if the module doesn't ship one.
func LoadInputSchema(moduleDir string) (*InputSchema, error) {
	path := filepath.Join(moduleDir, "configs", "input_schema.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading input schema")
	}
	var schema InputSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, errors.Wrap(err, "parsing input schema")
	}
	return &schema, nil
}

// Validate checks that inputs satisfies schema's required-key contract. A
// nil schema always validates.
func (schema *InputSchema) Validate(inputs map[string]any) error {
	if schema == nil {
		return nil
	}
	var missing []string
	for _, key := range schema.Required {
		if _, ok := inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required input(s): %v", missing)
	}
	return nil
}

// LoadDefaultConfig reads a module's on-disk default deployment config for
// kind (configs/<kind>_deployments.json), returning an empty map if the
// module ships none.
func LoadDefaultConfig(moduleDir string, kind string) (map[string]any, error) {
	path := filepath.Join(moduleDir, "configs", kind+"_deployments.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, errors.Wrap(err, "reading default deployment config")
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing default deployment config")
	}
	return cfg, nil
}

// LoadLLMConfig resolves a named LLM config from a module's on-disk
// configs/llm_configs.json, for agent/tool deployments (§4.3 step 3).
func LoadLLMConfig(moduleDir, name string) (map[string]any, error) {
	if name == "" {
		return nil, nil
	}
	path := filepath.Join(moduleDir, "configs", "llm_configs.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading llm configs")
	}
	var all map[string]map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, errors.Wrap(err, "parsing llm configs")
	}
	cfg, ok := all[name]
	if !ok {
		return nil, errors.Errorf("llm config %q not found", name)
	}
	return cfg, nil
}
