// Package main implements the pipelit command line tool: validate workflow
// files, run one workflow to completion in-process, or serve the execution
// engine as a long-running worker.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

const appName = "pipelit"

// version is stamped by the release build.
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debugLogs bool

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow execution engine",
		Long: `Pipelit compiles trigger-driven workflow graphs and executes them in
concurrent waves: agents, switches, loops, sub-workflows and human
confirmation points, with checkpointed suspend and resume.

validate checks workflow files without running anything, run executes one
workflow in-process and prints its final output, and serve starts a
long-running worker with durable stores and status-event streams.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "enable debug logs")
	cmd.PersistentPreRun = func(c *cobra.Command, _ []string) {
		c.SetContext(loggerContext(c.Context(), debugLogs))
	}

	cmd.AddCommand(validateCmd(), runCmd(), serveCmd(), versionCmd())
	return cmd
}

// loggerContext prepares the clue logging context every command runs under.
// Terminal sessions get the human format, everything else structured JSON.
func loggerContext(parent context.Context, debug bool) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(parent, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	}
}
