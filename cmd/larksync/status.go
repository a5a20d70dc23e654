package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const statusSummaryDays = 7

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a system summary.",
	Run:   runStatus,
}

func runStatus(cmd *cobra.Command, args []string) {
	c := openCoordinator()
	defer c.Close()

	st := c.Status()
	fmt.Printf("config:        %s\n", st.ConfigPath)
	fmt.Printf("running:       %v\n", st.Running)
	fmt.Printf("teams:         %d\n", st.Teams)
	fmt.Printf("tables:        %d\n", st.Tables)

	summary, err := c.MetricsSummary(statusSummaryDays)
	if err != nil {
		exitFor(false, fmt.Errorf("reading metrics summary: %w", err))
		return
	}
	fmt.Printf("last %d days:  %d syncs, %d ok, %d failed, %d created, %d updated\n",
		summary.Days, summary.Syncs, summary.Successes, summary.Failures, summary.Created, summary.Updated)

	exitFor(false, nil)
}
