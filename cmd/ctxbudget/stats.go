package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flemzord/ctxbudget/internal/service"
	"github.com/flemzord/ctxbudget/internal/stats"
	"github.com/flemzord/ctxbudget/pkg/app"
)

// withRuntime opens the runtime for one short-lived command.
func withRuntime(cmd *cobra.Command, g *globalFlags, fn func(rt *app.Runtime) error) error {
	params, err := g.params()
	if err != nil {
		return err
	}
	rt, err := app.Open(cmd.Context(), params)
	if err != nil {
		return err
	}
	defer rt.Stop()
	return fn(rt)
}

func statsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Inspect and maintain the compaction stats log",
	}
	cmd.AddCommand(
		statsAggregateCmd(g),
		statsSummaryCmd(g),
		statsExportCmd(g),
		statsCleanupCmd(g),
		statsInfoCmd(g),
	)
	return cmd
}

func statsAggregateCmd(g *globalFlags) *cobra.Command {
	var (
		window  time.Duration
		byModel bool
	)
	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Print request counts and averages over a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				if byModel {
					models, err := rt.Service.ModelStats(cmd.Context(), window)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), models)
				}
				agg, err := rt.Service.Aggregate(cmd.Context(), window)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), agg)
			})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", service.DefaultWindow, "Time window")
	cmd.Flags().BoolVar(&byModel, "by-model", false, "Break the aggregate down per model")
	return cmd
}

func statsSummaryCmd(g *globalFlags) *cobra.Command {
	var period time.Duration
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the performance summary over a period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				sum, err := rt.Service.Summary(cmd.Context(), period)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	cmd.Flags().DurationVarP(&period, "period", "p", service.DefaultWindow, "Period to summarize")
	return cmd
}

func statsExportCmd(g *globalFlags) *cobra.Command {
	var (
		period time.Duration
		format string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the records of a period as CSV or JSON",
		Long: `export writes context_metrics_<period>_<timestamp>.<format> into the
stats directory, or into --out. Use --out - to write to stdout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := stats.ParseFormat(format)
			if err != nil {
				return err
			}
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				records, err := rt.Service.Records(cmd.Context(), period)
				if err != nil {
					return err
				}
				if outDir == "-" {
					return stats.Export(cmd.OutOrStdout(), records, f)
				}
				dir := outDir
				if dir == "" {
					dir = rt.Sink.Dir()
				}
				path, err := stats.ExportToDir(dir, records, period, f, time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", len(records), path)
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&period, "period", "p", service.DefaultWindow, "Period to export")
	cmd.Flags().StringVar(&format, "format", string(stats.FormatCSV), "Output format (csv, json)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory, - for stdout")
	return cmd
}

func statsCleanupCmd(g *globalFlags) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove rotated segments, exports and index rows past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				retention := rt.Config.Stats.Retention()
				if cmd.Flags().Changed("retention-days") {
					retention = time.Duration(days) * 24 * time.Hour
				}
				res, err := rt.Service.Cleanup(cmd.Context(), retention)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "retention-days", 0, "Override stats.retention_days")
	return cmd
}

func statsInfoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "List the files in the stats directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				if rt.Sink == nil {
					return service.ErrStatsDisabled
				}
				info, err := stats.Info(rt.Sink.Dir(), time.Now())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
}

func recommendCmd(g *globalFlags) *cobra.Command {
	var window time.Duration
	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Print configuration recommendations from recent requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(rt *app.Runtime) error {
				recs, err := rt.Service.Recommendations(cmd.Context(), window)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No recommendations: operating optimally.")
					return nil
				}
				return printJSON(cmd.OutOrStdout(), recs)
			})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", service.DefaultWindow, "Time window")
	return cmd
}
