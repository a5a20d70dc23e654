package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/practo/larksync/pkg/workflow"
)

// printTableResults prints one line per table result and error, and
// returns how many tables failed.
func printTableResults(results map[string]workflow.Result, errs map[string]error) int {
	for table, res := range results {
		fmt.Printf("%s: created=%d updated=%d failed=%d\n",
			table, res.Totals.SuccessfulCreates, res.Totals.SuccessfulUpdates, res.Totals.FailedOperations)
	}
	for table, err := range errs {
		fmt.Printf("%s: FAILED: %v\n", table, err)
	}
	return len(errs)
}

var (
	syncTeam       string
	syncTable      string
	syncFullUpdate bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot sync cycle.",
	Run:   runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncTeam, "team", "", "limit sync to one team")
	syncCmd.Flags().StringVar(&syncTable, "table", "", "limit sync to one table (requires --team)")
	syncCmd.Flags().BoolVar(&syncFullUpdate, "full-update", false, "re-fetch and re-classify every row in the target table")
}

func runSync(cmd *cobra.Command, args []string) {
	c := openCoordinator()
	defer c.Close()

	ctx, interrupted := signalContext()

	switch {
	case syncTable != "" && syncTeam == "":
		exitFor(false, fmt.Errorf("--table requires --team"))
		return

	case syncTeam != "" && syncTable != "":
		res, err := c.SyncTable(ctx, syncTeam, syncTable, syncFullUpdate)
		if err != nil {
			exitFor(interrupted(), err)
			return
		}
		fmt.Printf("%s/%s: created=%d updated=%d failed=%d\n",
			syncTeam, syncTable, res.Totals.SuccessfulCreates, res.Totals.SuccessfulUpdates, res.Totals.FailedOperations)
		exitFor(interrupted(), syncErr(res.Totals.FailedOperations))

	case syncTeam != "":
		results, errs, err := c.SyncTeam(ctx, syncTeam, syncFullUpdate)
		if err != nil {
			exitFor(interrupted(), err)
			return
		}
		failed := printTableResults(results, errs)
		exitFor(interrupted(), syncErr(failed))

	default:
		result, err := c.SyncAllTeams(ctx, syncFullUpdate)
		if err != nil {
			exitFor(interrupted(), err)
			return
		}
		fmt.Printf("session %s: %d teams, %d tables synced, %d tables failed\n",
			result.SessionID, result.TeamsSynced, result.TablesSynced, result.TablesFailed)
		printTableResults(result.TableResults, result.Errors)
		exitFor(interrupted(), syncErr(result.TablesFailed))
	}
}

// syncErr turns a nonzero failure count into a generic failure for
// exitFor's nonzero-exit-code path.
func syncErr(failedCount int) error {
	if failedCount > 0 {
		return fmt.Errorf("%d operation(s) failed", failedCount)
	}
	return nil
}
