// Package main is the entry point for the ctxbudget CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/flemzord/ctxbudget/pkg/app"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	envFile    string
}

func (g *globalFlags) params() (app.RunParams, error) {
	p := app.RunParams{
		ConfigPath: g.configPath,
		Version:    version,
		Commit:     commit,
		Date:       date,
	}
	if g.logLevel != "" {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.ToUpper(g.logLevel))); err != nil {
			return p, fmt.Errorf("invalid --log-level %q", g.logLevel)
		}
		p.LogLevel = lvl
	}
	return p, nil
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "ctxbudget",
		Short:         "Token-budgeted context assembly and compaction for LLM requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnv(g.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Dotenv file loaded before the configuration")

	root.AddCommand(
		versionCmd(),
		compactCmd(g),
		serveCmd(g),
		mcpCmd(g),
		statsCmd(g),
		recommendCmd(g),
		configCmd(),
		initCmd(),
		serviceCmd(g),
	)
	return root
}

// loadEnv reads path into the environment. A missing default file is not
// an error; variables already set win over the file.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ctxbudget %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
