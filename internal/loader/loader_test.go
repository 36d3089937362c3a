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

package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/basalt-compute/noded/pkg/model"
)

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("subprocess script tests assume a POSIX shell")
	}
	path := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInvokeSuccess(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, `cat "$1" > /dev/null; echo '{"message":"ok"}'`)

	l := New("")
	result, err := l.Invoke(context.Background(), Invocation{
		ModuleDir:  dir,
		Entrypoint: "run.sh:handle",
		Run:        model.Run{ID: "r1", Inputs: map[string]any{"name": "Ada"}},
	})
	if err != nil {
		t.Fatalf("Invoke() = %v", err)
	}
	if !strings.Contains(result, `"message":"ok"`) {
		t.Errorf("Invoke() = %q, want to contain message", result)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, `echo "boom" 1>&2; exit 1`)

	l := New("")
	_, err := l.Invoke(context.Background(), Invocation{
		ModuleDir:  dir,
		Entrypoint: "run.sh:handle",
		Run:        model.Run{ID: "r1"},
	})
	if !errors.Is(err, ErrSubprocessError) {
		t.Fatalf("Invoke() error = %v, want ErrSubprocessError", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("Invoke() error = %v, want to contain captured stderr", err)
	}
}

func TestInvokeEnvIsolation(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, `printf '{"secret_visible":"%s","extra":"%s"}' "${NODE_SECRET:-unset}" "${EXTRA:-unset}"`)

	envFile := filepath.Join(dir, ".env.template")
	if err := os.WriteFile(envFile, []byte("NODE_SECRET=placeholder\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NODE_SECRET", "super-secret")

	l := New(envFile)
	result, err := l.Invoke(context.Background(), Invocation{
		ModuleDir:  dir,
		Entrypoint: "run.sh:handle",
		Run:        model.Run{ID: "r1"},
		UserEnv:    map[string]string{"EXTRA": "visible"},
	})
	if err != nil {
		t.Fatalf("Invoke() = %v", err)
	}
	if strings.Contains(result, "super-secret") {
		t.Errorf("Invoke() result = %q, leaked NODE_SECRET", result)
	}
	if !strings.Contains(result, `"secret_visible":"unset"`) {
		t.Errorf("Invoke() result = %q, want NODE_SECRET blanked", result)
	}
	if !strings.Contains(result, `"extra":"visible"`) {
		t.Errorf("Invoke() result = %q, want user_env_data EXTRA visible", result)
	}
}

func TestSearchPathPrependsModuleTree(t *testing.T) {
	dir := t.TempDir()
	site := filepath.Join(dir, ".venv", "lib", "python3.11", "site-packages")
	if err := os.MkdirAll(site, 0o755); err != nil {
		t.Fatal(err)
	}

	key, value, ok := searchPathEnv(Invocation{ModuleDir: dir, Entrypoint: "run.py:main"}, nil)
	if !ok || key != "PYTHONPATH" {
		t.Fatalf("searchPathEnv() = (%q, %v), want PYTHONPATH", key, ok)
	}
	entries := strings.Split(value, string(os.PathListSeparator))
	if len(entries) != 2 || entries[0] != dir || entries[1] != site {
		t.Errorf("PYTHONPATH entries = %v, want [module root, module venv]", entries)
	}
}

func TestSearchPathFallsBackToNodeTree(t *testing.T) {
	dir := t.TempDir()
	env := map[string]string{"PYTHONPATH": "/opt/node-deps"}
	_, value, ok := searchPathEnv(Invocation{ModuleDir: dir, Entrypoint: "run.py:main"}, env)
	if !ok {
		t.Fatal("searchPathEnv() not ok for .py entrypoint")
	}
	entries := strings.Split(value, string(os.PathListSeparator))
	if len(entries) != 2 || entries[1] != "/opt/node-deps" {
		t.Errorf("PYTHONPATH entries = %v, want the node's own tree second", entries)
	}

	if _, _, ok := searchPathEnv(Invocation{ModuleDir: dir, Entrypoint: "run.sh:main"}, nil); ok {
		t.Error("searchPathEnv() ok for .sh entrypoint, want no search path variable")
	}
}

func TestInvokeErrorDocument(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, `echo '{"error":"schema validation failed"}'`)

	l := New("")
	_, err := l.Invoke(context.Background(), Invocation{
		ModuleDir:  dir,
		Entrypoint: "run.sh:handle",
		Run:        model.Run{ID: "r1"},
	})
	if !errors.Is(err, ErrSubprocessError) {
		t.Fatalf("Invoke() error = %v, want ErrSubprocessError", err)
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("Invoke() error = %v, want the error document's message", err)
	}
}
