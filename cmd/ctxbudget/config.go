package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	ctxengine "github.com/flemzord/ctxbudget/internal/context"
	"github.com/flemzord/ctxbudget/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			printConfigSummary(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List the locations searched for " + config.FileName,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, p := range config.SearchPaths() {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
		},
	})
	return cmd
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	budget := cfg.Context.Budget
	fmt.Fprintln(w, "Configuration OK")
	fmt.Fprintf(w, "  model:              %s\n", budget.Model)
	fmt.Fprintf(w, "  max context tokens: %d\n", budget.MaxContextTokens())
	fmt.Fprintf(w, "  tokenizer:          %s\n", cfg.Tokenizer)
	if cfg.Stats.IsEnabled() {
		fmt.Fprintf(w, "  stats dir:          %s\n", cfg.Stats.Dir)
	} else {
		fmt.Fprintln(w, "  stats:              disabled")
	}
	fmt.Fprintf(w, "  index:              %t\n", cfg.Index.Enabled)
	fmt.Fprintf(w, "  gateway:            %s\n", cfg.Gateway.Bind)
}

// initAnswers collects what the wizard asks for.
type initAnswers struct {
	Model     string
	Ratio     string
	StatsDir  string
	Index     bool
	Bind      string
	Tokenizer string
}

func (a initAnswers) apply(cfg *config.Config) error {
	ratio, err := strconv.ParseFloat(a.Ratio, 64)
	if err != nil {
		return fmt.Errorf("max context ratio: %w", err)
	}
	cfg.Context.Budget.Model = a.Model
	cfg.Context.Budget.MaxContextRatio = ratio
	cfg.Stats.Dir = a.StatsDir
	cfg.Index.Enabled = a.Index
	cfg.Gateway.Bind = a.Bind
	cfg.Tokenizer = a.Tokenizer
	return nil
}

func initCmd() *cobra.Command {
	var (
		out      string
		force    bool
		defaults bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				}
			}

			cfg := config.Default()
			answers := initAnswers{
				Model:     cfg.Context.Budget.Model,
				Ratio:     strconv.FormatFloat(ctxengine.DefaultMaxContextRatio, 'f', -1, 64),
				StatsDir:  cfg.Stats.Dir,
				Index:     cfg.Index.Enabled,
				Bind:      cfg.Gateway.Bind,
				Tokenizer: cfg.Tokenizer,
			}
			if !defaults {
				if err := runInitForm(&answers); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						return nil
					}
					return err
				}
			}
			if err := answers.apply(cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", config.FileName, "File to write")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Write the defaults without prompting")
	return cmd
}

func runInitForm(a *initAnswers) error {
	models := ctxengine.KnownModels()
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model").
				Description("Sets the context window and the tokenizer").
				Options(huh.NewOptions(models...)...).
				Value(&a.Model),
			huh.NewInput().
				Title("Max context ratio").
				Description("Share of the model window the context may use").
				Value(&a.Ratio).
				Validate(validateRatio),
			huh.NewSelect[string]().
				Title("Tokenizer").
				Options(
					huh.NewOption("tiktoken (exact, downloads encodings)", config.TokenizerTiktoken),
					huh.NewOption("heuristic (offline)", config.TokenizerHeuristic),
				).
				Value(&a.Tokenizer),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Stats directory").
				Value(&a.StatsDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("required")
					}
					return nil
				}),
			huh.NewConfirm().
				Title("Keep a SQLite index of the stats?").
				Value(&a.Index),
			huh.NewInput().
				Title("Gateway bind address").
				Value(&a.Bind),
		),
	)
	return form.Run()
}

func validateRatio(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.New("must be a number")
	}
	if v <= 0 || v > 1 {
		return errors.New("must be in (0, 1]")
	}
	return nil
}
