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

// Package config loads the node's runtime configuration from environment
// variables (and, optionally, a YAML file) into a typed Config.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// RoutingType selects how the Hub directs traffic to this node.
type RoutingType string

const (
	RoutingDirect   RoutingType = "direct"
	RoutingIndirect RoutingType = "indirect"
)

// ErrMissingRequired is returned by Validate when a required field is unset.
var ErrMissingRequired = errors.New("missing required configuration")

// Config is the root configuration for the node process, populated from the
// environment variables in the EXTERNAL INTERFACES config table.
type Config struct {
	ModulesSourceDir string `koanf:"modules_source_dir"`
	BaseOutputDir    string `koanf:"base_output_dir"`
	EnvTemplatePath  string `koanf:"env_template_path"`

	LocalDBURL string `koanf:"local_db_url"`

	HubURL      string `koanf:"hub_url"`
	HubUsername string `koanf:"hub_username"`
	HubPassword string `koanf:"hub_password"`
	HubNS       string `koanf:"hub_ns"`
	HubDB       string `koanf:"hub_db"`

	PrivateKeyPath string `koanf:"private_key"`

	NodeIP                     string `koanf:"node_ip"`
	NodeCommunicationPort      int    `koanf:"node_communication_port"`
	NumNodeCommunicationServers int   `koanf:"num_node_communication_servers"`
	NodeCommunicationProtocol string `koanf:"node_communication_protocol"`
	UserCommunicationProtocol string `koanf:"user_communication_protocol"`
	UserCommunicationPort     int    `koanf:"user_communication_port"`

	RoutingType RoutingType `koanf:"routing_type"`
	RoutingURL  string      `koanf:"routing_url"`

	IPFSGatewayURL string `koanf:"ipfs_gateway_url"`

	DockerJobs   int    `koanf:"docker_jobs"`
	NumGPUs      int    `koanf:"num_gpus"`
	ModelBackend string `koanf:"model_backend"`

	// LockTimeout bounds per-module advisory-lock acquisition (§5).
	LockTimeout time.Duration `koanf:"lock_timeout"`

	// Dispatcher tuning.
	WorkerPoolSize int `koanf:"worker_pool_size"`
	QueueCapacity  int `koanf:"queue_capacity"`

	// Ledger connection pool tuning (§4.5 defaults).
	DBMaxOpenConns     int           `koanf:"db_max_open_conns"`
	DBMaxIdleConns     int           `koanf:"db_max_idle_conns"`
	DBConnMaxLifetime  time.Duration `koanf:"db_conn_max_lifetime"`
	DBCheckoutTimeout  time.Duration `koanf:"db_checkout_timeout"`
	DBStatementTimeout time.Duration `koanf:"db_statement_timeout"`
}

// Load resolves configuration from built-in defaults, an optional YAML file
// at path (skipped if path is empty; a non-empty path that cannot be loaded
// is an error), and environment variables, which take precedence over both.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("modules_source_dir", "./data/modules")
	k.Set("base_output_dir", "./data/outputs")
	k.Set("env_template_path", "./.env.template")
	k.Set("local_db_url", "file:node.db?cache=shared")
	k.Set("node_communication_port", 7001)
	k.Set("num_node_communication_servers", 1)
	k.Set("node_communication_protocol", "http")
	k.Set("user_communication_protocol", "http")
	k.Set("user_communication_port", 7002)
	k.Set("routing_type", string(RoutingDirect))
	k.Set("docker_jobs", 1)
	k.Set("num_gpus", 0)
	k.Set("lock_timeout", "30s")
	k.Set("worker_pool_size", 8)
	k.Set("queue_capacity", 64)
	k.Set("db_max_open_conns", 120)
	k.Set("db_max_idle_conns", 240)
	k.Set("db_conn_max_lifetime", "5m")
	k.Set("db_checkout_timeout", "30s")
	k.Set("db_statement_timeout", "30s")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", path)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshalling configuration")
	}
	return &cfg, nil
}

// Validate checks that the fields required to run the node (rather than,
// say, a one-off install command) are populated.
func (c *Config) Validate() error {
	var missing []string
	if c.ModulesSourceDir == "" {
		missing = append(missing, "MODULES_SOURCE_DIR")
	}
	if c.LocalDBURL == "" {
		missing = append(missing, "LOCAL_DB_URL")
	}
	if c.HubURL == "" {
		missing = append(missing, "HUB_URL")
	}
	if c.PrivateKeyPath == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if c.RoutingType != RoutingDirect && c.RoutingType != RoutingIndirect {
		missing = append(missing, "ROUTING_TYPE")
	}
	if len(missing) > 0 {
		return errors.Wrap(ErrMissingRequired, strings.Join(missing, ", "))
	}
	return nil
}
