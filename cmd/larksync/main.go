// Command larksync is the one-way JIRA→Lark Base replication daemon:
// `status`, `sync`, `daemon`, `issue`, and `cache` subcommands over a
// shared Coordinator.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flag"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/practo/klog/v2"

	"github.com/practo/larksync/pkg/coordinator"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "larksync",
	Short: "Replicates JIRA issues into Lark Base tables, one way.",
	Long:  "Polls JIRA on a per-table cadence, transforms issues through a schema-driven field processor, and upserts them into Lark Base, tracking state in an embedded ProcessingLog.",
}

func init() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "./cmd/larksync/config/config.yaml", "config file")
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(issueCmd)
	rootCmd.AddCommand(cacheCmd)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, plus a
// function reporting whether the context ended because of that signal
// (as opposed to the command simply finishing on its own).
func signalContext() (context.Context, func() bool) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() bool {
		stopped := ctx.Err() != nil
		stop()
		return stopped
	}
}

// exitFor maps a command's outcome to an exit code: 0 success, 1
// failure, 130 on SIGINT/SIGTERM.
func exitFor(interrupted bool, err error) {
	switch {
	case interrupted:
		os.Exit(130)
	case err != nil:
		klog.Errorf("%v", err)
		os.Exit(1)
	default:
		os.Exit(0)
	}
}

// openCoordinator loads config and wires every Coordinator singleton,
// exiting fatally when the config cannot be loaded.
func openCoordinator() *coordinator.Coordinator {
	c, err := coordinator.New(configPath)
	if err != nil {
		klog.Fatalf("loading config from %s: %v", configPath, err)
	}
	return c
}

func main() {
	rand.Seed(time.Now().UnixNano())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
