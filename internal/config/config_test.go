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

package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.DBMaxOpenConns != 120 {
		t.Errorf("DBMaxOpenConns = %d, want 120", cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns != 240 {
		t.Errorf("DBMaxIdleConns = %d, want 240", cfg.DBMaxIdleConns)
	}
	if cfg.RoutingType != RoutingDirect {
		t.Errorf("RoutingType = %q, want %q", cfg.RoutingType, RoutingDirect)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MODULES_SOURCE_DIR", "/srv/modules")
	t.Setenv("HUB_URL", "https://hub.example.com")
	t.Setenv("LOCAL_DB_URL", "file:/tmp/node.db")
	t.Setenv("PRIVATE_KEY", "/etc/node/key.pem")
	t.Setenv("ROUTING_TYPE", "indirect")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.ModulesSourceDir != "/srv/modules" {
		t.Errorf("ModulesSourceDir = %q, want /srv/modules", cfg.ModulesSourceDir)
	}
	if cfg.RoutingType != RoutingIndirect {
		t.Errorf("RoutingType = %q, want indirect", cfg.RoutingType)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateMissing(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error")
	}
}
