package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var issueCmd = &cobra.Command{
	Use:   "issue TEAM TABLE KEY",
	Short: "Sync a single issue by key.",
	Args:  cobra.ExactArgs(3),
	Run:   runIssue,
}

func runIssue(cmd *cobra.Command, args []string) {
	team, table, key := args[0], args[1], args[2]

	c := openCoordinator()
	defer c.Close()

	ctx, interrupted := signalContext()

	res, err := c.SyncSingleIssue(ctx, team, table, key)
	if err != nil {
		exitFor(interrupted(), err)
		return
	}

	fmt.Printf("%s: created=%d updated=%d failed=%d\n",
		key, res.Totals.SuccessfulCreates, res.Totals.SuccessfulUpdates, res.Totals.FailedOperations)
	exitFor(interrupted(), syncErr(res.Totals.FailedOperations))
}
