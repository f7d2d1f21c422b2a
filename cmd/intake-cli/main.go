// Package main is the command-line client for the intake workflow. It
// drives the same controller, service and history the HTTP server uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/registry"
)

type globalOptions struct {
	configPath string
	userID     string
	jsonOutput bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:          "intake-cli",
		Short:        "MediGuard clinical intake client",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a config file")
	cmd.PersistentFlags().StringVar(&opts.userID, "user", "cli", "user id recorded with predictions")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print machine-readable JSON")

	cmd.AddCommand(fieldsCmd(opts))
	cmd.AddCommand(validateCmd(opts))
	cmd.AddCommand(predictCmd(opts))
	cmd.AddCommand(uploadCmd(opts))
	cmd.AddCommand(historyCmd(opts))
	cmd.AddCommand(migrateCmd(opts))
	cmd.AddCommand(mcpConfigCmd())
	return cmd
}

// withApp loads configuration, builds the service and runs fn. Logs go
// to stderr so command output stays clean.
func withApp(ctx context.Context, opts *globalOptions, fn func(app *bootstrap.App) error) error {
	manager, err := bootstrap.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg := manager.GetConfig()

	logger, err := bootstrap.NewLogger(cfg.Logging, "stderr")
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(app)
}

func fieldsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fields",
		Short: "List the clinical fields and their accepted ranges",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := registry.Default().All()
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, specs)
			}
			for _, spec := range specs {
				fmt.Fprintf(out, "%-40s %-42s %g - %g %s\n", spec.Key, spec.Label, spec.Min, spec.Max, spec.Unit)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printPrediction(w io.Writer, result *domain.PredictionResult, asJSON bool) error {
	if asJSON {
		return writeJSON(w, result)
	}
	fmt.Fprintf(w, "Predicted disease: %s\n", result.PredictedDisease)
	for _, p := range result.RankedProbabilities() {
		fmt.Fprintf(w, "  %-30s %6.2f%%\n", p.Disease, p.Probability*100)
	}
	return nil
}
