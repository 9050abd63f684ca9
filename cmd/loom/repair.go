package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Fix detected drift in one atomic commit",
	Long: `Repair runs detection and applies every fix as a single commit,
treating the filesystem as the source of truth: orphaned store rows are
removed, unregistered documents become rows, and mismatched statuses
converge. A successful repair also re-enables writes after a failed
transaction halted them.`,
	Run: func(cmd *cobra.Command, args []string) {
		p := openProject()
		defer p.Close()

		report, err := p.Checker.Check(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if report.Clean() {
			fmt.Println("No drift detected, nothing to repair")
			return
		}

		printReport(report)

		commit, err := p.Repairer.Repair(cmd.Context(), report)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nRepaired %d issues in commit %s\n", len(report.Issues), commit.Short())
	},
}
