package main

import (
	"github.com/spf13/cobra"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/metrics"
)

const metricsAddr = ":8787"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the scheduler loop.",
	Run:   runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) {
	c := openCoordinator()
	defer c.Close()

	go metrics.Serve(metricsAddr)

	ctx, interrupted := signalContext()

	klog.Info("starting larksync daemon")
	err := c.RunDaemon(ctx)
	exitFor(interrupted(), err)
}
