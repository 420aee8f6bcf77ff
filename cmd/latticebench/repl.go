package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lattice-kg/lattice"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Read statements from stdin and execute them one at a time",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Shutdown()

		session, err := engine.NewSession(kgName)
		if err != nil {
			return err
		}
		defer engine.CloseSession(session.ID)

		scanner := bufio.NewScanner(os.Stdin)
		fmt.Fprintf(os.Stderr, "lattice[%s]> ", kgName)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				fmt.Fprintf(os.Stderr, "lattice[%s]> ", kgName)
				continue
			}
			prog, err := lattice.Parse(line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "parse error:", err)
				fmt.Fprintf(os.Stderr, "lattice[%s]> ", kgName)
				continue
			}
			results, err := engine.ExecProgram(kgName, prog, session.ID)
			if err != nil {
				fmt.Fprintln(os.Stderr, "exec error:", err)
			} else {
				for _, r := range results {
					printResult(r)
				}
			}
			fmt.Fprintf(os.Stderr, "lattice[%s]> ", kgName)
		}
		return scanner.Err()
	},
}

func printResult(r *lattice.ExecResult) {
	if r == nil {
		return
	}
	if len(r.Outputs) == 0 && r.Inserted == 0 && r.Deleted == 0 {
		return
	}
	if r.Inserted > 0 || r.Deleted > 0 {
		fmt.Printf("+%d -%d\n", r.Inserted, r.Deleted)
	}
	for _, t := range r.Tuples {
		parts := make([]string, len(t))
		for i, v := range t {
			parts[i] = v.String()
		}
		fmt.Println(strings.Join(parts, "\t"))
	}
}
