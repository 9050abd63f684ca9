package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/project"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Transactional state engine for agent-driven projects",
	Long: `loom keeps a project's state consistent across three sources: the
markdown documents on disk, an embedded SQLite store, and version control
history. Every write is one atomic file+store+commit transaction.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(watchCmd)
}

// openProject wires the engine for the current directory, exiting on
// failure. Commands that never touch the store use the vcs/tree pieces
// directly instead.
func openProject() *project.Project {
	p, err := project.Open(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return p
}
