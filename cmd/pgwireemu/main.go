package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return 1
	}

	return 0
}

var rootCmd = &cobra.Command{
	Use:   "pgwireemu",
	Short: "A PostgreSQL wire-protocol test-fixture server",
	Long: `pgwireemu speaks the PostgreSQL v3 frontend/backend wire protocol and
answers every query with canned, caller-supplied results. It never parses or
executes SQL; it exists so client libraries, drivers, and tools can be
exercised against a real wire connection without a real database behind it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pgwireemu.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
