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

// Package engine drives a single Run through its state machine: pending
// -> processing -> running -> {completed | error}, calling the Installer
// and Loader and journalling every transition to the Ledger (§4.3). There
// is exactly one Engine invocation active per Run; two Runs for the same
// module may proceed concurrently since only installation (not
// invocation) is serialized per module name.
package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/basalt-compute/noded/internal/loader"
	"github.com/basalt-compute/noded/pkg/model"
)

// Installer is the subset of *installer.Installer the Engine depends on.
type Installer interface {
	EnsureInstalled(ctx context.Context, mod model.Module) (string, error)
	EnsurePersona(ctx context.Context, p model.Persona) (string, error)
	FetchIPFSInput(ctx context.Context, cid string) (string, error)
}

// Loader is the subset of *loader.Loader the Engine depends on.
type Loader interface {
	Invoke(ctx context.Context, inv loader.Invocation) (string, error)
}

// Ledger is the subset of *ledger.Store the Engine depends on: every
// transition is a single UpdateRun call.
type Ledger interface {
	UpdateRun(ctx context.Context, kind model.RunKind, id string, run model.Run) (bool, error)
}

// HubClient is the subset of *hubclient.Client the Engine depends on to
// resolve a module's source, version, and entrypoint.
type HubClient interface {
	ResolveModule(ctx context.Context, kind model.ModuleKind, name string) (model.Module, error)
}

// Deps bundles an Engine invocation's collaborators.
type Deps struct {
	Installer Installer
	Loader    Loader
	Ledger    Ledger
	Hub       HubClient

	// BaseOutputDir is where run outputs are written when the
	// deployment's data-generation config requests save_outputs_location
	// = "node" (§6).
	BaseOutputDir string
}

// kindToModuleKind maps a Run's kind to the ModuleKind the Hub resolves
// against; the two kinds share the same string values, "kb" included.
func kindToModuleKind(k model.RunKind) model.ModuleKind {
	return model.ModuleKind(k)
}

// Run drives run through the full state machine once, persisting every
// transition through deps.Ledger, and returns the Run in its terminal
// state. It never panics or returns an error to the caller: failure is
// always observed through the returned Run's Status/ErrorMessage (§4.3,
// "the engine never raises across its boundary").
func Run(ctx context.Context, run model.Run, deps Deps) model.Run {
	now := time.Now().UTC()
	run.MarkProcessing(now)
	if !persist(ctx, deps.Ledger, run) {
		return failRun(ctx, deps, run, errors.New("failed to persist processing transition"))
	}

	if err := ctx.Err(); err != nil {
		return failRun(ctx, deps, run, errors.New("cancelled"))
	}

	mod, installPath, err := initRun(ctx, &run, deps)
	if err != nil {
		return failRun(ctx, deps, run, err)
	}

	run.MarkRunning()
	if !persist(ctx, deps.Ledger, run) {
		return failRun(ctx, deps, run, errors.New("failed to persist running transition"))
	}

	if err := ctx.Err(); err != nil {
		return failRun(ctx, deps, run, errors.New("cancelled"))
	}

	result, err := deps.Loader.Invoke(ctx, loader.Invocation{
		ModuleDir:  installPath,
		Entrypoint: mod.Entrypoint,
		Run:        run,
		UserEnv:    stringMap(run.Deployment.Extra["user_env_data"]),
	})
	if err != nil {
		return failRun(ctx, deps, run, err)
	}

	results := []string{result}
	if dg := run.Deployment.DataGeneration; dg != nil && dg.SaveOutputs && dg.SaveOutputsLocation == "node" {
		published, err := publishToNode(deps.BaseOutputDir, run.ID, result)
		if err != nil {
			return failRun(ctx, deps, run, errors.Wrap(err, "publishing outputs"))
		}
		results = []string{published}
	}

	run.MarkCompleted(time.Now().UTC(), results)
	persist(ctx, deps.Ledger, run)
	return run
}

// initRun performs §4.3's Init step: resolving the module, installing it,
// fetching any external input directory, merging deployment config,
// resolving personas, and validating inputs. Any failure here is terminal
// and the Loader is never invoked (schema failures in particular must
// never reach the Loader, per §7).
func initRun(ctx context.Context, run *model.Run, deps Deps) (model.Module, string, error) {
	mod, err := resolveModule(ctx, deps.Hub, run.Kind, run.Deployment.ModuleRef)
	if err != nil {
		return model.Module{}, "", err
	}
	run.Deployment.ModuleRef = mod

	installPath, err := deps.Installer.EnsureInstalled(ctx, mod)
	if err != nil {
		return model.Module{}, "", err
	}

	if err := fetchExternalInputs(ctx, run, deps.Installer); err != nil {
		return model.Module{}, "", err
	}

	defaults, err := LoadDefaultConfig(installPath, string(mod.Kind))
	if err != nil {
		return model.Module{}, "", err
	}
	run.Deployment.Config = MergeConfig(run.Deployment.Config, defaults)

	if mod.Kind == model.ModuleAgent || mod.Kind == model.ModuleTool {
		if run.Deployment.LLMConfigName != "" {
			llmCfg, err := LoadLLMConfig(installPath, run.Deployment.LLMConfigName)
			if err != nil {
				return model.Module{}, "", err
			}
			if llmCfg != nil {
				if run.Deployment.Config == nil {
					run.Deployment.Config = map[string]any{}
				}
				run.Deployment.Config["llm"] = llmCfg
			}
		}
	}

	if mod.Kind == model.ModuleAgent {
		for _, url := range run.Deployment.PersonaURLs {
			if _, err := deps.Installer.EnsurePersona(ctx, model.Persona{URL: url}); err != nil {
				return model.Module{}, "", err
			}
		}
	}

	schema, err := LoadInputSchema(installPath)
	if err != nil {
		return model.Module{}, "", err
	}
	if err := schema.Validate(run.Inputs); err != nil {
		return model.Module{}, "", errors.Wrap(ErrSchemaError, err.Error())
	}

	return mod, installPath, nil
}

// resolveModule fills in source/version/entrypoint for ref via the Hub
// when the Run's deployment didn't already carry a fully-specified module
// descriptor (§4.3: "The Run Engine resolves the module via the Hub
// Client").
func resolveModule(ctx context.Context, hub HubClient, kind model.RunKind, ref model.Module) (model.Module, error) {
	if ref.SourceURL != "" && ref.Version != "" {
		return ref, nil
	}
	if hub == nil {
		return model.Module{}, errors.New("module not fully specified and no hub client configured")
	}
	return hub.ResolveModule(ctx, kindToModuleKind(kind), ref.Name)
}

// fetchExternalInputs rewrites run.Inputs to include a local path when an
// input references an external input directory or ipfs hash, per §4.3
// step 2. Non-local-path inputs are passed through unchanged; an
// "input_ipfs_hash" entry is fetched into a scratch directory via the
// Installer's ipfs transport and "input_directory" is rewritten to point at
// it.
func fetchExternalInputs(ctx context.Context, run *model.Run, inst Installer) error {
	if run.Inputs == nil {
		return nil
	}
	if _, ok := run.Inputs["input_directory"]; ok {
		// Already a local path; nothing to fetch.
		return nil
	}
	cid, ok := run.Inputs["input_ipfs_hash"].(string)
	if !ok || cid == "" {
		return nil
	}
	dir, err := inst.FetchIPFSInput(ctx, cid)
	if err != nil {
		return errors.Wrap(err, "fetching input_ipfs_hash")
	}
	run.Inputs["input_directory"] = dir
	return nil
}

// publishToNode writes a run's stringified result to
// <BaseOutputDir>/<run-id>/output.json and returns that path as the
// publication descriptor that replaces Results (§4.3 step 6).
func publishToNode(baseOutputDir, runID, result string) (string, error) {
	if baseOutputDir == "" {
		return "", errors.New("BASE_OUTPUT_DIR not configured")
	}
	dir := filepath.Join(baseOutputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "output.json")
	if err := os.WriteFile(path, []byte(result), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// stringMap coerces a deployment's opaque "user_env_data" extra value
// (decoded from JSON as map[string]any) into the map[string]string the
// Loader's subprocess environment overlay expects.
func stringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		switch t := val.(type) {
		case string:
			out[k] = t
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}

// failRun marks run as errored with message's text, persists once (a
// best-effort write: if the Ledger is unreachable the caller still
// observes the in-memory terminal state), and returns it. This is the
// single path by which every failure in Run funnels into a terminal
// record, per §4.3's "the engine never raises across its boundary."
func failRun(ctx context.Context, deps Deps, run model.Run, cause error) model.Run {
	run.MarkError(time.Now().UTC(), cause.Error())
	persist(ctx, deps.Ledger, run)
	return run
}

// persist writes run through the Ledger, swallowing failures and reporting
// them only through the returned bool, so callers can fold them into a
// terminal error without the Engine itself ever returning an error.
func persist(ctx context.Context, l Ledger, run model.Run) bool {
	if l == nil {
		return true
	}
	ok, err := l.UpdateRun(ctx, run.Kind, run.ID, run)
	return err == nil && ok
}
