package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lattice-kg/lattice"
)

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Execute every statement in a script file against one knowledge graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		prog, err := lattice.Parse(string(src))
		if err != nil {
			return fmt.Errorf("parsing %s: %w", args[0], err)
		}

		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Shutdown()

		results, err := engine.ExecProgram(kgName, prog, "")
		if err != nil {
			return err
		}
		for _, r := range results {
			printResult(r)
		}
		return nil
	},
}
