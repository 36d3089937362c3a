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

// Package model defines the node's wire- and storage-level data shapes:
// modules, personas, deployments, runs, consumers, and node registration.
package model

import (
	"strings"

	"github.com/pkg/errors"
)

// ModuleKind enumerates the kinds of installable modules.
type ModuleKind string

const (
	ModuleAgent        ModuleKind = "agent"
	ModuleTool         ModuleKind = "tool"
	ModuleOrchestrator ModuleKind = "orchestrator"
	ModuleEnvironment  ModuleKind = "environment"
	ModuleKB           ModuleKind = "kb"
	ModuleMemory       ModuleKind = "memory"
	ModulePersona      ModuleKind = "persona"
)

// SourceScheme identifies how a module's source_url should be materialized.
type SourceScheme string

const (
	SourceGit  SourceScheme = "git"
	SourceIPFS SourceScheme = "ipfs"
)

var (
	// ErrUnknownScheme is returned when a module's source_url has neither a
	// git:// nor ipfs:// prefix.
	ErrUnknownScheme = errors.New("unrecognized module source scheme")
)

// Module is the descriptor for a versioned, installable unit of code.
type Module struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Author      string     `json:"author"`
	SourceURL   string     `json:"source_url"`
	Version     string     `json:"version"`
	Entrypoint  string     `json:"entrypoint"`
	Kind        ModuleKind `json:"kind"`
}

// Scheme parses the module's source_url and returns its transport scheme
// plus the scheme-specific reference: for git:// this is the clone URL
// itself; for ipfs:// this is the bare CID.
func (m Module) Scheme() (SourceScheme, string, error) {
	switch {
	case strings.HasPrefix(m.SourceURL, "git://"):
		return SourceGit, strings.TrimPrefix(m.SourceURL, "git://"), nil
	case strings.HasPrefix(m.SourceURL, "ipfs://"):
		return SourceIPFS, strings.TrimPrefix(m.SourceURL, "ipfs://"), nil
	default:
		return "", "", errors.Wrap(ErrUnknownScheme, m.SourceURL)
	}
}

// Persona is an auxiliary data bundle associated with agent deployments.
// URL is either "git://..." or "ipfs://<cid>::<folder>".
type Persona struct {
	URL string `json:"url"`
}

// Folder returns the directory name the persona should be installed under:
// the "::<folder>" suffix for ipfs sources, or the repo name for git
// sources.
func (p Persona) Folder() (string, error) {
	switch {
	case strings.HasPrefix(p.URL, "ipfs://"):
		rest := strings.TrimPrefix(p.URL, "ipfs://")
		idx := strings.Index(rest, "::")
		if idx < 0 || rest[idx+2:] == "" {
			return "", errors.Errorf("ipfs persona URL missing ::<folder> suffix: %s", p.URL)
		}
		return rest[idx+2:], nil
	case strings.HasPrefix(p.URL, "git://"):
		rest := strings.TrimSuffix(strings.TrimPrefix(p.URL, "git://"), ".git")
		parts := strings.Split(rest, "/")
		return parts[len(parts)-1], nil
	default:
		return "", errors.Wrap(ErrUnknownScheme, p.URL)
	}
}

// CID returns the content identifier for an ipfs:// persona URL.
func (p Persona) CID() (string, error) {
	if !strings.HasPrefix(p.URL, "ipfs://") {
		return "", errors.Wrap(ErrUnknownScheme, p.URL)
	}
	rest := strings.TrimPrefix(p.URL, "ipfs://")
	if idx := strings.Index(rest, "::"); idx >= 0 {
		return rest[:idx], nil
	}
	return rest, nil
}
