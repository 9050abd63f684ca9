package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/project"
)

var stateCmd = &cobra.Command{
	Use:   "state [epic]",
	Short: "Show project or epic state from the store",
	Long: `State prints the current project snapshot, or the bounded context of
one epic when an epic number is given. Reads come from the cached store
projections; no files are parsed.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		p := openProject()
		defer p.Close()

		if len(args) == 1 {
			epic, err := strconv.Atoi(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: invalid epic number %q\n", args[0])
				os.Exit(1)
			}
			printEpicState(cmd, p, epic)
			return
		}

		snap, err := p.Loader.ProjectSnapshot(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%d epics, %d stories, %d open action items\n\n",
			snap.TotalEpics, snap.TotalStories, snap.OpenItems)
		for _, epic := range snap.Epics {
			fmt.Printf("  epic-%-3d %-12s %3d%%  %s\n",
				epic.Number, epic.Status, epic.Progress, epic.Title)
		}
	},
}

func printEpicState(cmd *cobra.Command, p *project.Project, epic int) {
	ec, err := p.Loader.GetEpicContext(cmd.Context(), epic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	e := ec.Epic
	fmt.Printf("epic-%d: %s [%s] %d%% (%d/%d stories done, %d in progress)\n",
		e.Number, e.Title, e.Status, e.Progress,
		e.CompletedStories, e.TotalStories, e.InProgressStories)

	if len(ec.Stories) > 0 {
		fmt.Println("\nStories:")
		for _, s := range ec.Stories {
			assignee := s.Assignee
			if assignee == "" {
				assignee = "-"
			}
			fmt.Printf("  %-14s %-12s %s  (%s)\n", s.Key(), s.Status, s.Title, assignee)
		}
	}
	if len(ec.OpenItems) > 0 {
		fmt.Println("\nOpen action items:")
		for _, item := range ec.OpenItems {
			fmt.Printf("  [%s] %s\n", item.Priority, item.Summary)
		}
	}
	if len(ec.Ceremonies) > 0 {
		fmt.Println("\nRecent ceremonies:")
		for _, c := range ec.Ceremonies {
			fmt.Printf("  %-14s %s\n", c.Type, c.CreatedAt.Format("2006-01-02"))
		}
	}
}
