package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cacheRebuild bool
	cacheTeam    string
	cacheTable   string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or rebuild a table's ProcessingLog.",
	Run:   runCache,
}

func init() {
	cacheCmd.Flags().BoolVar(&cacheRebuild, "rebuild", false, "wipe and rebuild the ProcessingLog from the target table's current contents")
	cacheCmd.Flags().StringVar(&cacheTeam, "team", "", "team to rebuild (required with --rebuild)")
	cacheCmd.Flags().StringVar(&cacheTable, "table", "", "table to rebuild (required with --rebuild)")
}

func runCache(cmd *cobra.Command, args []string) {
	if !cacheRebuild {
		exitFor(false, fmt.Errorf("cache: only --rebuild is supported"))
		return
	}
	if cacheTeam == "" || cacheTable == "" {
		exitFor(false, fmt.Errorf("cache --rebuild requires --team and --table"))
		return
	}

	c := openCoordinator()
	defer c.Close()

	ctx, interrupted := signalContext()

	if err := c.RebuildCache(ctx, cacheTeam, cacheTable); err != nil {
		exitFor(interrupted(), err)
		return
	}

	fmt.Printf("%s/%s: processing log rebuilt\n", cacheTeam, cacheTable)
	exitFor(interrupted(), nil)
}
