package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/ctxbudget/pkg/app"
)

func serveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := g.params()
			if err != nil {
				return err
			}
			return app.Serve(cmd.Context(), params)
		},
	}
}

func mcpCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the compaction tools over MCP on stdin/stdout",
		Long: `mcp speaks the Model Context Protocol over stdio so that agents can call
compact_context, context_stats and context_recommendations as tools.
Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := g.params()
			if err != nil {
				return err
			}
			params.LogOutput = os.Stderr
			return app.ServeMCP(cmd.Context(), params, os.Stdin, os.Stdout)
		},
	}
}
