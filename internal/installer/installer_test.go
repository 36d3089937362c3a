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

package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/gofrs/flock"

	"github.com/basalt-compute/noded/internal/gitx/gitxtest"
	"github.com/basalt-compute/noded/pkg/model"
)

const repoYAML = `
commits:
  - id: c1
    message: init
    files:
      run.py: "print('hi')"
    tag: v1.0.0
`

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fs := osfs.New(dir)
	_, err := gitxtest.CreateRepoFromYAML(repoYAML, &gitxtest.RepositoryOptions{
		Storer:   filesystem.NewStorage(fs, cache.NewObjectLRUDefault()),
		Worktree: fs,
	})
	if err != nil {
		t.Fatalf("CreateRepoFromYAML() = %v", err)
	}
	return "file://" + dir
}

func TestEnsureInstalledGit(t *testing.T) {
	repoURL := setupGitRepo(t)
	root := t.TempDir()
	inst := New(root, time.Second, "")

	mod := model.Module{
		Name:       "echo-tool",
		SourceURL:  "git://" + repoURL,
		Version:    "v1.0.0",
		Entrypoint: "run.py:main",
		Kind:       model.ModuleTool,
	}
	path, err := inst.EnsureInstalled(context.Background(), mod)
	if err != nil {
		t.Fatalf("EnsureInstalled() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "run.py")); err != nil {
		t.Errorf("expected run.py to be checked out: %v", err)
	}
	if v, ok := inst.Installed("echo-tool"); !ok || v != "v1.0.0" {
		t.Errorf("Installed() = (%q, %v), want (v1.0.0, true)", v, ok)
	}

	// Re-installing the same version should be a no-op (idempotent).
	if _, err := inst.EnsureInstalled(context.Background(), mod); err != nil {
		t.Fatalf("second EnsureInstalled() = %v", err)
	}
}

func TestEnsureInstalledIPFS(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	contents := []byte("print('hi')")
	if err := tw.WriteHeader(&tar.Header{Name: "run.py", Size: int64(len(contents)), Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(contents); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	root := t.TempDir()
	inst := New(root, time.Second, srv.URL)
	mod := model.Module{
		Name:      "example-agent",
		SourceURL: "ipfs://bafyTestCID",
		Version:   "bafyTestCID",
		Kind:      model.ModuleAgent,
	}
	path, err := inst.EnsureInstalled(context.Background(), mod)
	if err != nil {
		t.Fatalf("EnsureInstalled() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(path, "run.py")); err != nil {
		t.Errorf("expected run.py to be extracted: %v", err)
	}
}

func TestEnsureInstalledGitReusesOnDiskAfterRestart(t *testing.T) {
	repoURL := setupGitRepo(t)
	root := t.TempDir()
	mod := model.Module{
		Name:       "echo-tool",
		SourceURL:  "git://" + repoURL,
		Version:    "v1.0.0",
		Entrypoint: "run.py:main",
		Kind:       model.ModuleTool,
	}
	first := New(root, time.Second, "")
	path, err := first.EnsureInstalled(context.Background(), mod)
	if err != nil {
		t.Fatalf("EnsureInstalled() = %v", err)
	}
	sentinel := filepath.Join(path, ".untouched")
	if err := os.WriteFile(sentinel, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A fresh Installer simulates a process restart: its in-memory cache
	// starts empty, so this must fall back to the on-disk tag probe instead
	// of blowing away and re-cloning the working tree.
	second := New(root, time.Second, "")
	if _, err := second.EnsureInstalled(context.Background(), mod); err != nil {
		t.Fatalf("EnsureInstalled() after restart = %v", err)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("working tree was reinstalled after restart; sentinel file gone: %v", err)
	}
	if v, ok := second.Installed("echo-tool"); !ok || v != "v1.0.0" {
		t.Errorf("Installed() = (%q, %v), want (v1.0.0, true)", v, ok)
	}
}

func TestFetchIPFSInput(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	contents := []byte("input data")
	if err := tw.WriteHeader(&tar.Header{Name: "data.json", Size: int64(len(contents)), Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(contents); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	root := t.TempDir()
	inst := New(root, time.Second, srv.URL)
	dir, err := inst.FetchIPFSInput(context.Background(), "bafyInputCID")
	if err != nil {
		t.Fatalf("FetchIPFSInput() = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.json")); err != nil {
		t.Errorf("expected data.json to be extracted: %v", err)
	}

	if _, err := inst.FetchIPFSInput(context.Background(), "bafyInputCID"); err != nil {
		t.Fatalf("second FetchIPFSInput() = %v", err)
	}
	if hits != 1 {
		t.Errorf("gateway hit %d times, want 1 (content-addressed fetch should skip the refetch)", hits)
	}
}

func TestEnsureInstalledLockTimeout(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	held := flock.New(filepath.Join(root, "busy-module.lock"))
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("failed to pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer held.Unlock()

	inst := New(root, 200*time.Millisecond, "")
	mod := model.Module{Name: "busy-module", SourceURL: "git://example.invalid/x.git", Version: "v1"}
	_, err = inst.EnsureInstalled(context.Background(), mod)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("EnsureInstalled() error = %v, want ErrLockTimeout", err)
	}
}

func TestEnsurePersonaFolder(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	contents := []byte("persona data")
	if err := tw.WriteHeader(&tar.Header{Name: "persona.json", Size: int64(len(contents)), Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(contents); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	root := t.TempDir()
	inst := New(root, time.Second, srv.URL)
	path, err := inst.EnsurePersona(context.Background(), model.Persona{URL: "ipfs://bafyPersonaCID::friendly"})
	if err != nil {
		t.Fatalf("EnsurePersona() = %v", err)
	}
	if filepath.Base(path) != "friendly" {
		t.Errorf("install path = %s, want basename friendly", path)
	}
	if _, err := os.Stat(filepath.Join(path, "persona.json")); err != nil {
		t.Errorf("expected persona.json to be extracted: %v", err)
	}
}
