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

// Package loader runs a module's entrypoint in a fresh subprocess with a
// minimal, controlled environment, and returns its JSON result or a
// structured error, per §4.2.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/basalt-compute/noded/pkg/model"
)

// ErrSubprocessError is raised when the module's subprocess exits non-zero
// or does not emit a single JSON document on stdout.
var ErrSubprocessError = errors.New("module subprocess failed")

// interpreters maps an entrypoint file extension to the command used to
// run it. Extending module-language support means adding an entry here.
var interpreters = map[string][]string{
	".py": {"python3"},
	".js": {"node"},
	".ts": {"node", "--experimental-strip-types"},
}

// Loader spawns the subprocess for a module's entrypoint.
type Loader struct {
	// EnvTemplatePath names a file whose KEY=value lines (or bare KEY
	// lines) enumerate the node's own secrets to blank out of the
	// subprocess environment, per node/worker/template_worker.py's
	// diffing approach (see SPEC_FULL "Supplemented features").
	EnvTemplatePath string
}

// New returns a Loader that reads its blank-out set from envTemplatePath.
func New(envTemplatePath string) *Loader {
	return &Loader{EnvTemplatePath: envTemplatePath}
}

// Invocation describes a single entrypoint call.
type Invocation struct {
	ModuleDir  string
	Entrypoint string // "run.py:main" -- file and exported symbol
	Run        model.Run
	UserEnv    map[string]string
}

// Invoke runs the module's entrypoint in a fresh subprocess with ctx
// bounding its lifetime (the Engine supplies a deadline only when the
// deployment declares one; the Loader itself never imposes a timeout,
// per §5). It returns the entrypoint's JSON result, stringified; the
// Engine stores it as the single element of the Run's Results.
func (l *Loader) Invoke(ctx context.Context, inv Invocation) (string, error) {
	file, _ := splitEntrypoint(inv.Entrypoint)
	if file == "" {
		return "", errors.Wrap(ErrSubprocessError, "empty entrypoint")
	}
	interp := l.command(file)

	inputFile, err := l.writeRunFile(inv.Run)
	if err != nil {
		return "", errors.Wrap(ErrSubprocessError, err.Error())
	}
	defer os.Remove(inputFile)

	var cmdArgs []string
	if len(interp) > 0 {
		cmdArgs = append(append([]string{}, interp...), file, inputFile)
	} else {
		// No recognized interpreter extension: treat the entrypoint file
		// itself as directly executable (shebang script or binary). Use
		// an absolute path so exec doesn't fall back to a PATH lookup.
		cmdArgs = []string{filepath.Join(inv.ModuleDir, file), inputFile}
	}
	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	cmd.Dir = inv.ModuleDir
	cmd.Env = l.subprocessEnv(inv)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(ErrSubprocessError, "%v: %s", err, firstLines(stderr.String(), 20))
	}
	return parseResult(stdout.Bytes())
}

// command resolves the interpreter invocation for an entrypoint file's
// extension, or nil if the extension isn't recognized (callers fall back
// to treating the file as directly executable).
func (l *Loader) command(file string) []string {
	ext := filepath.Ext(file)
	if interp, ok := interpreters[ext]; ok {
		return interp
	}
	return nil
}

// splitEntrypoint parses "run.py:main" into its file and exported symbol.
func splitEntrypoint(entrypoint string) (file, symbol string) {
	idx := strings.LastIndex(entrypoint, ":")
	if idx < 0 {
		return entrypoint, ""
	}
	return entrypoint[:idx], entrypoint[idx+1:]
}

// writeRunFile serializes run to a temp file and returns its path. The
// subprocess receives this path as its final argument rather than on
// stdin, avoiding pipe deadlock on large inputs (SPEC_FULL, Loader notes).
func (l *Loader) writeRunFile(run model.Run) (string, error) {
	f, err := os.CreateTemp("", "noded-run-*.json")
	if err != nil {
		return "", errors.Wrap(err, "creating run input file")
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(run); err != nil {
		os.Remove(f.Name())
		return "", errors.Wrap(err, "encoding run")
	}
	return f.Name(), nil
}

// subprocessEnv builds the subprocess's environment: a copy of the node's
// own environment, with every variable named in the .env template blanked
// out, then overlaid with the caller-supplied user_env_data. This ensures
// no variable named in the node's .env template is visible to the
// subprocess unless explicitly included in UserEnv (§8 "Subprocess
// isolation").
func (l *Loader) subprocessEnv(inv Invocation) []string {
	blank := l.templateKeys()
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if blank[k] {
			continue
		}
		merged[k] = v
	}
	for k, v := range inv.UserEnv {
		merged[k] = v
	}
	if k, v, ok := searchPathEnv(inv, merged); ok {
		merged[k] = v
	}
	_, symbol := splitEntrypoint(inv.Entrypoint)
	if symbol != "" {
		merged["NODED_ENTRYPOINT_SYMBOL"] = symbol
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// searchPathEnv computes the subprocess's module search path: exactly two
// prepended entries, the module root and the module's private dependency
// tree -- a per-module installed tree (.venv for python, node_modules for
// js/ts) when present, else the node's own (the inherited search path).
// When neither exists, the module root is the only entry. Entrypoints with no recognized extension get no search path variable.
func searchPathEnv(inv Invocation, env map[string]string) (key, value string, ok bool) {
	file, _ := splitEntrypoint(inv.Entrypoint)
	sep := string(os.PathListSeparator)
	switch filepath.Ext(file) {
	case ".py":
		entries := []string{inv.ModuleDir}
		if matches, _ := filepath.Glob(filepath.Join(inv.ModuleDir, ".venv", "lib", "*", "site-packages")); len(matches) > 0 {
			entries = append(entries, matches[0])
		} else if prior := env["PYTHONPATH"]; prior != "" {
			entries = append(entries, prior)
		}
		return "PYTHONPATH", strings.Join(entries, sep), true
	case ".js", ".ts":
		entries := []string{inv.ModuleDir}
		if fi, err := os.Stat(filepath.Join(inv.ModuleDir, "node_modules")); err == nil && fi.IsDir() {
			entries = append(entries, filepath.Join(inv.ModuleDir, "node_modules"))
		} else if prior := env["NODE_PATH"]; prior != "" {
			entries = append(entries, prior)
		}
		return "NODE_PATH", strings.Join(entries, sep), true
	}
	return "", "", false
}

// templateKeys parses the .env template file (KEY=value or bare KEY per
// line, '#' comments ignored) into the set of variable names to blank out.
func (l *Loader) templateKeys() map[string]bool {
	keys := make(map[string]bool)
	if l.EnvTemplatePath == "" {
		return keys
	}
	f, err := os.Open(l.EnvTemplatePath)
	if err != nil {
		return keys
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, _, _ := strings.Cut(line, "=")
		keys[strings.TrimSpace(key)] = true
	}
	return keys
}

// parseResult reads the subprocess's single stdout JSON document, failing
// if it encodes `{"error": "..."}` or isn't valid JSON.
func parseResult(stdout []byte) (string, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return "", errors.Wrap(ErrSubprocessError, "no output produced")
	}
	var asError struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &asError); err == nil && asError.Error != "" {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err == nil && len(probe) == 1 {
			return "", errors.Wrap(ErrSubprocessError, asError.Error)
		}
	}
	var anyVal any
	if err := json.Unmarshal(trimmed, &anyVal); err != nil {
		return "", errors.Wrap(ErrSubprocessError, "stdout was not valid JSON")
	}
	return string(trimmed), nil
}

// firstLines returns at most n lines of s, for trimming captured stderr
// into a bounded error message.
func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
		lines = append(lines, "... ("+strconv.Itoa(len(s))+" bytes total)")
	}
	return strings.Join(lines, "\n")
}
