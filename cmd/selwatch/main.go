// Command selwatch reports elements as they start matching CSS selectors on
// watched pages.
//
// Usage:
//
//	selwatch run --config selwatch.yaml [--db watches.db]
//	selwatch once --url https://example.com --selector '.price'
//	selwatch mcp --config selwatch.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "selwatch",
		Short: "Report elements as they start matching CSS selectors",
		Long: `selwatch watches web pages for elements that start matching CSS selectors.

Pages are fetched over HTTP or loaded in Chrome. Each newly matching
element is emitted once per watch as an arrival record, to stdout, a
webhook or an SQLite log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	logger := func() *slog.Logger { return newLogger(logLevel) }
	rootCmd.AddCommand(
		runCmd(logger),
		onceCmd(logger),
		mcpCmd(logger),
		versionCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "selwatch: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(name string) *slog.Logger {
	var level slog.Level
	switch name {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "selwatch %s (%s)\n", version, commit)
		},
	}
}
