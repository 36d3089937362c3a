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

package model

// Deployment is a composition record describing how a module should be
// configured and executed. Config is kind-specific: an LLM config for
// agents/tools, an orchestration config for orchestrators.
type Deployment struct {
	ModuleRef      Module                 `json:"module_ref"`
	Config         map[string]any         `json:"config"`
	SubDeployments []Deployment           `json:"sub_deployments,omitempty"`
	PersonaURLs    []string               `json:"persona_urls,omitempty"`
	DataGeneration *DataGenerationConfig  `json:"data_generation_config,omitempty"`
	LLMConfigName  string                 `json:"llm_config_name,omitempty"`
	Extra          map[string]any         `json:"extra,omitempty"`
}

// DataGenerationConfig controls whether and where a run's results are
// published after completion, per §4.3 step 6.
type DataGenerationConfig struct {
	SaveOutputs         bool   `json:"save_outputs"`
	SaveOutputsLocation string `json:"save_outputs_location"` // "node" or "ipfs"
}
