package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/docs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/migrate"
	"github.com/loomworks/loom/internal/project"
	"github.com/loomworks/loom/internal/vcs"
)

var migrateMerge bool
var migrateBranch string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Backfill the state store from an existing file-only project",
	Long: `Migrate parses the existing epic and story documents into the state
store in four phases, each committed separately on an isolated branch:

  1. Create the database schema
  2. Backfill epic rows from epics/*.md
  3. Backfill story rows, inferring status from commit history
  4. Validate that store counts match the filesystem

Any failure deletes the branch and restores the original ref, so the
migration can simply be re-run.`,
	Run: func(cmd *cobra.Command, args []string) {
		git, err := vcs.NewGit(".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		root := git.Root()

		cfg, err := config.Load(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		log, closer := logging.New(root, cfg.Log)
		defer closer.Close()

		// The same exclude rules project.Open maintains; without them the
		// phase commits would capture WAL sidecars and the branch switch
		// back would be refused.
		if err := project.WriteIgnoreRules(git); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		manager := migrate.New(
			filepath.Join(root, cfg.Database),
			docs.NewTree(root),
			git,
			migrate.WithBranch(migrateBranch),
			migrate.WithLogger(log),
			migrate.WithCommitDatabase(cfg.CommitDatabase),
		)

		result, err := manager.Run(cmd.Context(), migrateMerge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Migrated %d epics and %d stories in %d commits\n",
			result.Epics, result.Stories, len(result.Commits))
		if result.Merged {
			fmt.Printf("Branch %s merged and deleted\n", result.Branch)
		} else {
			fmt.Printf("Left on branch %s, ready to merge\n", result.Branch)
		}
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateMerge, "merge", true,
		"merge the migration branch back on success")
	migrateCmd.Flags().StringVar(&migrateBranch, "branch", migrate.DefaultBranch,
		"name of the isolated migration branch")
}
