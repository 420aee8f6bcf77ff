// Command latticebench is a thin REPL and script-runner over the lattice
// engine, for exercising and timing a knowledge graph from the shell
// without embedding it in a host program. Grounded on the teacher's
// cmd/bd-examples's small-root-plus-subcommands cobra layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-kg/lattice"
)

var (
	kgName  string
	dataDir string
)

var rootCmd = &cobra.Command{
	Use:           "latticebench",
	Short:         "REPL and benchmark harness for the lattice Datalog-with-vectors engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&kgName, "kg", lattice.DefaultKnowledgeGraph, "knowledge graph to target")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "durable catalog directory; empty runs fully in memory")
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(benchCmd)
}

// openEngine opens the engine in the mode --data-dir selects.
func openEngine() (*lattice.Engine, error) {
	if dataDir != "" {
		return lattice.OpenDir(dataDir, lattice.DefaultConfig())
	}
	return lattice.Open(lattice.DefaultConfig()), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
