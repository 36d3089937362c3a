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

// Package installer materializes module and persona descriptors onto disk,
// from either a git source (cloned and checked out to a tag) or an ipfs
// source (fetched as a tar archive and extracted), guarded by a per-name
// advisory file lock so concurrent installs of the same name never race.
package installer

import (
	"archive/tar"
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	reqcache "github.com/basalt-compute/noded/internal/cache"
	"github.com/basalt-compute/noded/internal/gitx"
	"github.com/basalt-compute/noded/internal/httpx"
	"github.com/basalt-compute/noded/internal/uri"
	"github.com/basalt-compute/noded/pkg/archive"
	"github.com/basalt-compute/noded/pkg/model"
)

var (
	// ErrLockTimeout is returned when the per-name advisory lock could not
	// be acquired within the configured timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrSourceError is returned when a module or persona's source could
	// not be fetched or materialized.
	ErrSourceError = errors.New("source materialization failed")
	// ErrVerifyError is returned when a freshly installed module fails its
	// on-disk contract probe.
	ErrVerifyError = errors.New("module verification failed")
)

const lockPollInterval = time.Second

// Installer materializes modules and personas under Root, one directory per
// name, each protected by a Root/<name>.lock advisory flock.
type Installer struct {
	Root        string
	LockTimeout time.Duration
	GatewayURL  string
	Client      httpx.BasicClient

	mu       sync.Mutex
	versions map[string]string
}

// New returns an Installer rooted at root. A zero lockTimeout defaults to
// 30s per §5. The ipfs gateway client is wrapped in a coalescing cache:
// ipfs sources are content-addressed by cid, so a repeated fetch of the
// same archive (e.g. a persona reused across many deployments) is always
// safe to serve from memory instead of re-hitting the gateway.
func New(root string, lockTimeout time.Duration, gatewayURL string) *Installer {
	if lockTimeout <= 0 {
		lockTimeout = 30 * time.Second
	}
	base := &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: "noded-installer/1"}
	return &Installer{
		Root:        root,
		LockTimeout: lockTimeout,
		GatewayURL:  gatewayURL,
		Client:      httpx.NewCachedClient(base, &reqcache.CoalescingMemoryCache{}),
		versions:    make(map[string]string),
	}
}

// withLock acquires the advisory lock for name, blocking (and polling) up
// to i.LockTimeout, then runs fn. The lock serializes on-disk mutation and
// every update of the in-process version cache entry for name; i.mu
// additionally guards the shared versions map itself, since locks for
// different names do not exclude each other.
func (i *Installer) withLock(ctx context.Context, name string, fn func() error) error {
	if err := os.MkdirAll(i.Root, 0o755); err != nil {
		return errors.Wrap(err, "creating modules root")
	}
	lockPath := filepath.Join(i.Root, name+".lock")
	fl := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, i.LockTimeout)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, lockPollInterval)
	if err != nil || !ok {
		return errors.Wrap(ErrLockTimeout, name)
	}
	defer fl.Unlock()
	return fn()
}

// EnsureInstalled materializes mod under Root/<name>, cloning/checking out
// a git source or fetching/extracting an ipfs source, unless the requested
// version is already installed. It returns the module's install path.
func (i *Installer) EnsureInstalled(ctx context.Context, mod model.Module) (string, error) {
	var path string
	err := i.withLock(ctx, mod.Name, func() error {
		dir := filepath.Join(i.Root, mod.Name)
		path = dir

		i.mu.Lock()
		installed, ok := i.versions[mod.Name]
		i.mu.Unlock()
		if ok && installed == mod.Version {
			return nil
		}

		scheme, ref, err := mod.Scheme()
		if err != nil {
			return errors.Wrap(ErrSourceError, err.Error())
		}

		// The in-memory cache starts empty on every process restart, so a
		// miss above doesn't necessarily mean dir is stale: re-check what's
		// actually on disk before paying for a reinstall.
		if onDisk, ok := onDiskVersion(scheme, dir); ok && versionsMatch(scheme, onDisk, ref, mod.Version) {
			if err := verify(dir, mod.Entrypoint); err != nil {
				return errors.Wrap(ErrVerifyError, err.Error())
			}
			i.mu.Lock()
			i.versions[mod.Name] = mod.Version
			i.mu.Unlock()
			return nil
		}

		switch scheme {
		case model.SourceGit:
			if err := i.installGit(ctx, ref, mod.Version, dir); err != nil {
				return errors.Wrapf(ErrSourceError, "git: %v", err)
			}
		case model.SourceIPFS:
			if err := i.installIPFS(ctx, ref, dir); err != nil {
				return errors.Wrapf(ErrSourceError, "ipfs: %v", err)
			}
		default:
			return errors.Wrap(ErrSourceError, "unsupported scheme")
		}
		if err := verify(dir, mod.Entrypoint); err != nil {
			return errors.Wrap(ErrVerifyError, err.Error())
		}

		i.mu.Lock()
		i.versions[mod.Name] = mod.Version
		i.mu.Unlock()
		return nil
	})
	return path, err
}

// EnsurePersona materializes a persona bundle under Root/personas/<folder>.
// Personas carry no version negotiation: every call replaces the existing
// folder via a temp-dir-then-rename swap.
func (i *Installer) EnsurePersona(ctx context.Context, p model.Persona) (string, error) {
	folder, err := p.Folder()
	if err != nil {
		return "", errors.Wrap(ErrSourceError, err.Error())
	}
	name := "personas/" + folder
	var path string
	err = i.withLock(ctx, strings.ReplaceAll(name, "/", "_"), func() error {
		dir := filepath.Join(i.Root, "personas", folder)
		path = dir
		staging := dir + ".staging"
		os.RemoveAll(staging)
		defer os.RemoveAll(staging)

		scheme, ref, err := scheme(p.URL)
		if err != nil {
			return errors.Wrap(ErrSourceError, err.Error())
		}
		switch scheme {
		case model.SourceGit:
			if err := i.installGit(ctx, ref, "", staging); err != nil {
				return errors.Wrapf(ErrSourceError, "git: %v", err)
			}
		case model.SourceIPFS:
			if err := i.installIPFS(ctx, ref, staging); err != nil {
				return errors.Wrapf(ErrSourceError, "ipfs: %v", err)
			}
		}
		os.RemoveAll(dir)
		return os.Rename(staging, dir)
	})
	return path, err
}

// scheme parses a bare URL the way model.Module.Scheme does, for callers
// (like Persona) that don't carry a Module wrapper.
func scheme(url string) (model.SourceScheme, string, error) {
	switch {
	case strings.HasPrefix(url, "git://"):
		return model.SourceGit, strings.TrimPrefix(url, "git://"), nil
	case strings.HasPrefix(url, "ipfs://"):
		rest := strings.TrimPrefix(url, "ipfs://")
		if idx := strings.Index(rest, "::"); idx >= 0 {
			rest = rest[:idx]
		}
		return model.SourceIPFS, rest, nil
	default:
		return "", "", model.ErrUnknownScheme
	}
}

// installGit clones cloneURL into dir and checks out version (a tag), or
// HEAD of the default branch if version is empty. cloneURL is canonicalized
// (scheme, host casing, trailing ".git") when it matches a well-known
// forge, so that equivalent module_ref.source_url spellings never clone
// twice into different directories; URLs the canonicalizer doesn't
// recognize (self-hosted servers, file:// fixtures) pass through as-is.
func (i *Installer) installGit(ctx context.Context, cloneURL, version, dir string) error {
	if uri.SmellsLikeARepo(cloneURL) {
		if canon, err := uri.CanonicalizeRepoURI(cloneURL); err == nil {
			cloneURL = canon
		}
	}
	os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fs := osfs.New(dir)
	st := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	opt := &git.CloneOptions{URL: cloneURL}
	if version != "" {
		opt.ReferenceName = plumbing.NewTagReferenceName(version)
		opt.SingleBranch = true
	}
	repo, err := gitx.Clone(ctx, st, fs, opt)
	if err != nil {
		return err
	}
	if version == "" {
		wt, err := repo.Worktree()
		if err != nil {
			return err
		}
		if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.Master, Force: true}); err != nil {
			if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.Main, Force: true}); err != nil {
				return errors.Wrap(err, "checking out default branch")
			}
		}
	}
	return nil
}

// installIPFS fetches the tar archive addressed by cid from the configured
// gateway and extracts it into dir.
func (i *Installer) installIPFS(ctx context.Context, cid, dir string) error {
	os.RemoveAll(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	url := strings.TrimSuffix(i.GatewayURL, "/") + "/ipfs/" + cid
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := i.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("ipfs gateway returned %s", resp.Status)
	}
	if err := archive.ExtractTar(tar.NewReader(resp.Body), osfs.New(dir), archive.ExtractOptions{}); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ipfsMarkerFile), []byte(cid), 0o644)
}

// FetchIPFSInput downloads the content addressed by cid into a scratch
// directory under Root/scratch/<cid> and returns its path, for §4.3 step 2's
// "if inputs reference ... an ipfs hash, fetch it into a scratch directory."
// Root/scratch is content-addressed: a cid already fetched is served as-is.
func (i *Installer) FetchIPFSInput(ctx context.Context, cid string) (string, error) {
	dir := filepath.Join(i.Root, "scratch", cid)
	err := i.withLock(ctx, "scratch_"+cid, func() error {
		if onDisk, ok := probeIPFSCid(dir); ok && onDisk == cid {
			return nil
		}
		return i.installIPFS(ctx, cid, dir)
	})
	if err != nil {
		return "", errors.Wrapf(ErrSourceError, "ipfs input: %v", err)
	}
	return dir, nil
}

// ipfsMarkerFile records the cid an ipfs-sourced directory was last
// extracted from, so a later on-disk probe can tell whether it's still
// current without re-fetching.
const ipfsMarkerFile = ".noded-source-cid"

// onDiskVersion reports the version already materialized at dir, if any,
// without touching the network.
func onDiskVersion(scheme model.SourceScheme, dir string) (string, bool) {
	switch scheme {
	case model.SourceGit:
		return probeGitTagAtHead(dir)
	case model.SourceIPFS:
		return probeIPFSCid(dir)
	default:
		return "", false
	}
}

// versionsMatch compares an on-disk version against the requested source.
// Git tags are compared against the requested version with a leading "v"
// stripped from both sides so "v1.2.0" and "1.2.0" are equivalent; ipfs
// content is content-addressed, so the on-disk marker is compared against
// ref (the requested cid) rather than the module's version string.
func versionsMatch(scheme model.SourceScheme, onDisk, ref, version string) bool {
	if scheme == model.SourceGit {
		return strings.TrimPrefix(onDisk, "v") == strings.TrimPrefix(version, "v")
	}
	return onDisk == ref
}

// probeGitTagAtHead opens the git repository at dir (if any) and returns the
// name of the tag whose resolved commit matches HEAD, covering both
// annotated tags (whose ref points at a tag object, not the commit) and
// lightweight tags (whose ref points directly at the commit).
func probeGitTagAtHead(dir string) (string, bool) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", false
	}
	fs := osfs.New(dir)
	st := filesystem.NewStorage(fs, cache.NewObjectLRUDefault())
	repo, err := git.Open(st, fs)
	if err != nil {
		return "", false
	}
	head, err := repo.Head()
	if err != nil {
		return "", false
	}
	ri, err := repo.Tags()
	if err != nil {
		return "", false
	}
	defer ri.Close()
	for {
		ref, err := ri.Next()
		if err != nil {
			return "", false
		}
		commit := ref.Hash()
		if t, terr := repo.TagObject(ref.Hash()); terr == nil {
			commit = t.Target
		}
		if commit == head.Hash() {
			return ref.Name().Short(), true
		}
	}
}

// probeIPFSCid returns the cid recorded in dir's marker file, if present.
func probeIPFSCid(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, ipfsMarkerFile))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// verify checks that a freshly installed module satisfies the on-disk
// contract in §6: an entrypoint file present at the module's root.
func verify(dir, entrypoint string) error {
	if entrypoint == "" {
		return nil
	}
	name := entrypoint
	if idx := strings.LastIndex(entrypoint, ":"); idx >= 0 {
		name = entrypoint[:idx]
	}
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("entrypoint file %q not found", name)
		}
		return err
	}
	return nil
}

// Installed reports the currently cached installed version for name, if
// any, without touching disk.
func (i *Installer) Installed(name string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.versions[name]
	return v, ok
}
