package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/consistency"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Detect drift between documents, store, and history",
	Long: `Check compares the markdown tree, the state store, and commit history
and reports every inconsistency it finds. Detection never mutates anything;
run 'loom repair' to fix what check reports.`,
	Run: func(cmd *cobra.Command, args []string) {
		p := openProject()
		defer p.Close()

		report, err := p.Checker.Check(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		printReport(report)
		if !report.Clean() {
			os.Exit(1)
		}
	},
}

func printReport(report *consistency.Report) {
	if report.Clean() {
		fmt.Println("No drift detected")
		return
	}

	for _, issue := range report.Issues {
		fmt.Printf("%-18s %-8s %-14s %s\n", issue.Class, issue.Kind, issue.ID, issue.Detail)
	}
	fmt.Printf("\n%d issues: %d orphaned, %d unregistered, %d mismatched\n",
		len(report.Issues),
		report.Count(consistency.OrphanedRecord),
		report.Count(consistency.UnregisteredFile),
		report.Count(consistency.StateMismatch))
}
