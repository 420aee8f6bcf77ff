package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lattice-kg/lattice"
)

var benchIterations int

var benchCmd = &cobra.Command{
	Use:   "bench <script>",
	Short: "Run a script's final query repeatedly and report average latency",
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

		setup, query := splitLastQuery(prog)
		if len(setup.Statements) > 0 {
			if _, err := engine.ExecProgram(kgName, setup, ""); err != nil {
				return fmt.Errorf("seeding: %w", err)
			}
		}
		if query == nil {
			return fmt.Errorf("bench: %s has no query statement to time", args[0])
		}

		var total time.Duration
		var tuples int
		for i := 0; i < benchIterations; i++ {
			start := time.Now()
			res, err := engine.Exec(kgName, *query, "")
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			total += time.Since(start)
			tuples = len(res.Tuples)
		}
		avg := total / time.Duration(benchIterations)
		fmt.Printf("%d iterations, %d rows, avg %s, total %s\n", benchIterations, tuples, avg, total)
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchIterations, "iterations", 10, "number of times to repeat the final query")
}

// splitLastQuery peels the last query statement off prog, returning every
// preceding statement as setup and the query itself (nil if prog carries
// none) to time in isolation.
func splitLastQuery(prog *lattice.Program) (*lattice.Program, *lattice.Statement) {
	lastQuery := -1
	for i, stmt := range prog.Statements {
		if stmt.Kind == lattice.StmtQuery {
			lastQuery = i
		}
	}
	if lastQuery < 0 {
		return prog, nil
	}
	q := prog.Statements[lastQuery]
	setup := &lattice.Program{Statements: append(
		append([]lattice.Statement{}, prog.Statements[:lastQuery]...),
		prog.Statements[lastQuery+1:]...,
	)}
	return setup, &q
}
