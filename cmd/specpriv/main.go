// Package main implements the specpriv CLI tool.
//
// The specpriv tool runs the bundled workloads on the speculative parallel
// runtime and checks the committed state against a sequential run:
//
//  1. Load the configuration (defaults, YAML file, SPECPRIV_* variables, flags)
//  2. Begin a program and start the worker pool
//  3. Run the workload, recovering sequentially after every misspeculation
//  4. Compare SHA3 digests of the committed and the sequential state
//
// Usage:
//
//	specpriv run conflict -n 10000 --workers 8   # Run a workload
//	specpriv workloads                           # List workloads
//	specpriv config --workers 8                  # Show the effective configuration
//	specpriv history --ledger runs.db            # Show recorded runs
//	specpriv version                             # Show version information
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kolkov/specpriv/internal/specpriv/config"
	"github.com/kolkov/specpriv/internal/specpriv/heap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "specpriv",
		Short: "Speculative parallel loop runtime",
		Long: `specpriv runs loops speculatively in parallel. Workers privatize the memory
iterations write, checkpoints merge it in iteration order, and cross-iteration
conflicts are recovered by sequential re-execution.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML configuration file")
	pf.Int("workers", 2, "number of workers")
	pf.Int("granularity", 0, "iterations per checkpoint window (0 = largest)")
	pf.Uint64("max-checkpoint-bytes", 3<<30, "ceiling on live checkpoint memory")
	pf.Uint64("heap-size", 1<<30, "size of every heap in bytes")
	pf.String("shm-dir", heap.DefaultDir(), "directory for shared memory segments")
	pf.String("join", config.JoinWait, "join strategy: wait or spin")
	pf.String("committer", config.CommitSlowest, "who combines checkpoints: slowest or fastest")
	pf.String("affinity", config.AffinityNone, "cpu affinity: none, pin or pin-skip-zero")
	pf.Bool("versioning", false, "version the shared heap per invocation")
	pf.String("log-level", "info", "log level")
	pf.Bool("debug-misspec", false, "log a stack with every misspeculation")
	pf.Int64("simulate-misspec-iter", -1, "force a misspeculation at this iteration")

	root.AddCommand(
		newRunCmd(),
		newWorkloadsCmd(),
		newConfigCmd(),
		newHistoryCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig builds the configuration of cmd from its flags and --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(v, path)
}
