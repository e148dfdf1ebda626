// Command golem is the in-process CLI driver for the worker executor
// (spec.md §1's external-interface boundary: no HTTP/gRPC server here).
// It is grounded on cmd/nova/main.go: a cobra root command with
// persistent flags, one subcommand per operation, each building its own
// collaborators and calling straight into internal/core.Executor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "golem",
		Short: "golem - durable WASM worker executor",
		Long:  "A CLI driver for the durable worker executor: create, invoke, inspect, and replay workers in-process.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, defaults + env vars otherwise)")

	rootCmd.AddCommand(
		createWorkerCmd(),
		deleteWorkerCmd(),
		getMetadataCmd(),
		invokeCmd(),
		readOplogCmd(),
		searchOplogCmd(),
		connectCmd(),
		completePromiseCmd(),
		forkCmd(),
		rewindCmd(),
		playbackCmd(),
		manualOverrideCmd(),
		sleepUntilCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
