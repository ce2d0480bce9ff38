// Package main provides the specpatch binary entry point.
// Specpatch keeps compliance specifications in step with changing
// regulations: it finds the specs a regulation affects, patches them clause
// by clause into new immutable versions and announces the result.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	// Register LLM providers via init()
	_ "github.com/c360studio/specpatch/llm/providers"

	"github.com/c360studio/specpatch/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "specpatch"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Regulation-driven compliance spec patching",
		Long: `Specpatch keeps machine-generated compliance specifications synchronized
with external regulations.

When a regulation is published or amended it:
- finds the active specs whose frameworks and jurisdictions match
- narrows them by semantic similarity
- proposes minimal clause-level edits per affected module
- commits a new immutable spec version and supersedes the old one
- publishes "spec updated" and "PR requested" events

Components communicate over NATS JetStream; versions live in PostgreSQL.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(&g),
		migrateCmd(&g),
		seedCmd(&g),
		publishRegulationCmd(&g),
		historyCmd(&g),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// newLogger configures the process-wide text logger.
func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig runs the layered loader. An explicit --config replaces the
// project config search.
func loadConfig(g *globalFlags, logger *slog.Logger) (*config.Config, error) {
	var opts []config.LoaderOption
	if g.configPath != "" {
		opts = append(opts, config.WithConfigFile(g.configPath))
	}
	cfg, err := config.NewLoader(logger, opts...).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
