package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/security"
	"github.com/flemzord/ctxbudget/pkg/app"
)

func compactCmd(g *globalFlags) *cobra.Command {
	var (
		file     string
		textOnly bool
	)
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Compact one context request read from a file or stdin",
		Long: `Compact reads a context request as JSON (comments and trailing commas
are allowed) and prints the compacted context as JSON. The request is
recorded in the stats log like any other.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readRequest(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			params, err := g.params()
			if err != nil {
				return err
			}
			rt, err := app.Open(cmd.Context(), params)
			if err != nil {
				return err
			}
			defer rt.Stop()

			out, err := rt.Service.Compact(cmd.Context(), req)
			if err != nil {
				return err
			}
			if textOnly {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), out.Text)
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Request file, - for stdin")
	cmd.Flags().BoolVar(&textOnly, "text", false, "Print only the compacted context text")
	return cmd
}

func readRequest(stdin io.Reader, path string) (ctxengine.ContextRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" || path == "" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return ctxengine.ContextRequest{}, fmt.Errorf("reading request: %w", err)
	}

	data = jsonc.ToJSON(data)
	if err := security.ValidateJSONDepth(data, 0); err != nil {
		return ctxengine.ContextRequest{}, fmt.Errorf("parsing request: %w", err)
	}
	var req ctxengine.ContextRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ctxengine.ContextRequest{}, fmt.Errorf("parsing request: %w", err)
	}
	return req, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
