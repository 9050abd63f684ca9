package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/consistency"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the document tree and report drift as it appears",
	Long: `Watch monitors the epic, story, and ceremony directories and re-runs
drift detection whenever a document changes outside a loom transaction.
Reports are printed as they arrive; interrupt to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		p := openProject()
		defer p.Close()

		watcher, err := consistency.NewDriftWatcher(p.Checker, p.Tree, p.Log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := watcher.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer watcher.Stop()

		fmt.Println("Watching for drift (interrupt to stop)")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		for {
			select {
			case report, ok := <-watcher.Reports():
				if !ok {
					return
				}
				fmt.Println()
				printReport(report)
			case err, ok := <-watcher.Errors():
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "Watch error: %v\n", err)
			case <-stop:
				return
			}
		}
	},
}
