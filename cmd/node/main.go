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

// Command node runs a federated compute worker node: it serves run
// dispatch, installs and versions modules on demand, and registers itself
// with the module hub (§6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/basalt-compute/noded/internal/config"
	"github.com/basalt-compute/noded/internal/dispatcher"
	"github.com/basalt-compute/noded/internal/engine"
	"github.com/basalt-compute/noded/internal/hubclient"
	"github.com/basalt-compute/noded/internal/identity"
	"github.com/basalt-compute/noded/internal/installer"
	"github.com/basalt-compute/noded/internal/ledger"
	"github.com/basalt-compute/noded/internal/loader"
	"github.com/basalt-compute/noded/pkg/model"
)

// Exit codes per §6.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitHubUnreachable   = 2
	exitLockTimeout      = 3
	exitVerificationFail = 4
)

var configPath = flag.String("config", "", "optional YAML config file layered under environment variables")

var rootCmd = &cobra.Command{
	Use:   "node [subcommand]",
	Short: "Worker node for a federated compute network",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the node's build metadata",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "noded (%s)\n", runtime.Version())
	},
}

var installCmd = &cobra.Command{
	Use:   "install <name> <version> <source-url> <entrypoint>",
	Short: "Ensure a single module is installed and verified, then exit",
	Args:  cobra.ExactArgs(4),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runInstall(cmd.Context(), args[0], args[1], args[2], args[3]))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, accepting runs until signalled to stop",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServe(cmd.Context()))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, installCmd, serveCmd)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func loadConfig() (*config.Config, error) {
	return config.Load(*configPath)
}

func runInstall(ctx context.Context, name, version, sourceURL, entrypoint string) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Print(err)
		return exitConfigError
	}
	inst := installer.New(cfg.ModulesSourceDir, cfg.LockTimeout, cfg.IPFSGatewayURL)
	mod := model.Module{Name: name, Version: version, SourceURL: sourceURL, Entrypoint: entrypoint}
	if _, err := inst.EnsureInstalled(ctx, mod); err != nil {
		switch {
		case isLockTimeout(err):
			log.Print(err)
			return exitLockTimeout
		case isVerifyError(err):
			log.Print(err)
			return exitVerificationFail
		default:
			log.Print(err)
			return exitConfigError
		}
	}
	color.Green("installed %s@%s", name, version)
	return exitOK
}

func runServe(ctx context.Context) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Print(err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		log.Print(err)
		return exitConfigError
	}

	printBanner(cfg)

	store, err := ledger.Open(cfg.LocalDBURL, ledger.PoolConfig{
		MaxOpenConns:      cfg.DBMaxOpenConns,
		MaxIdleConns:      cfg.DBMaxIdleConns,
		ConnMaxLifetime:   cfg.DBConnMaxLifetime,
		StatementTimeout:  cfg.DBStatementTimeout,
	})
	if err != nil {
		log.Print(err)
		return exitConfigError
	}
	defer store.Close()

	inst := installer.New(cfg.ModulesSourceDir, cfg.LockTimeout, cfg.IPFSGatewayURL)

	hub, err := hubclient.New(cfg.HubURL)
	if err != nil {
		log.Print(err)
		return exitHubUnreachable
	}
	defer hub.Close()
	if err := hub.Login(ctx, cfg.HubNS, cfg.HubDB, cfg.HubUsername, cfg.HubPassword); err != nil {
		log.Print(err)
		return exitHubUnreachable
	}

	id, err := identity.Load(cfg.PrivateKeyPath)
	if err != nil {
		log.Print(err)
		return exitConfigError
	}
	if _, err := hub.CreateNode(ctx, nodeConfig(cfg, id)); err != nil {
		log.Print(err)
		return exitHubUnreachable
	}

	deps := engine.Deps{
		Installer:     inst,
		Loader:        loader.New(cfg.EnvTemplatePath),
		Ledger:        store,
		Hub:           hub,
		BaseOutputDir: cfg.BaseOutputDir,
	}
	disp := dispatcher.New(ctx, store, deps, dispatcher.Config{
		WorkerPoolSize: cfg.WorkerPoolSize,
		QueueCapacity:  cfg.QueueCapacity,
	})
	defer disp.Shutdown()

	registry := prometheus.NewRegistry()
	for _, c := range disp.Collectors() {
		registry.MustRegister(c)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.NodeCommunicationPort), Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Print("shutting down")
	_ = metricsSrv.Close()
	return exitOK
}

// nodeConfig builds the NodeConfig registered with the Hub at startup
// (§3's Node config, §6: "Registered with the Hub at startup; the Hub
// stores it and returns the persisted copy").
func nodeConfig(cfg *config.Config, id identity.Identity) model.NodeConfig {
	ports := make([]int, 0, cfg.NumNodeCommunicationServers)
	for i := 0; i < cfg.NumNodeCommunicationServers; i++ {
		ports = append(ports, cfg.NodeCommunicationPort+i)
	}
	return model.NodeConfig{
		ID:            id.NodeID(),
		Owner:         cfg.HubUsername,
		PublicKey:     id.PublicKey,
		IP:            cfg.NodeIP,
		Ports:         ports,
		ServerTypes:   []string{cfg.NodeCommunicationProtocol, cfg.UserCommunicationProtocol},
		ProviderTypes: []string{"node"},
		NumGPUs:       cfg.NumGPUs,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
}

func printBanner(cfg *config.Config) {
	banner := color.New(color.FgCyan, color.Bold)
	banner.Println("noded — federated compute worker node")
	color.White("  modules:  %s", cfg.ModulesSourceDir)
	color.White("  hub:      %s", cfg.HubURL)
	color.White("  workers:  %d (queue %d)", cfg.WorkerPoolSize, cfg.QueueCapacity)
}

func isLockTimeout(err error) bool {
	return errors.Is(err, installer.ErrLockTimeout)
}

func isVerifyError(err error) bool {
	return errors.Is(err, installer.ErrVerifyError)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
