package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/domain"
	"github.com/mediguard-intake/internal/intake"
	"github.com/mediguard-intake/pkg/backend"
)

func uploadCmd(opts *globalOptions) *cobra.Command {
	var (
		kind        string
		cancelOnGap bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Extract clinical values from a PDF, image or CSV report and predict",
		Long: "Uploads a report for extraction. When the report is missing values " +
			"you are prompted for each one on stdin unless --cancel-on-gap is set.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requested, err := domain.ParseUploadKind(kind)
			if kind != "auto" && err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			filename := filepath.Base(args[0])
			detected, body, err := backend.DetectUploadKind(filename, f)
			if err != nil {
				return err
			}
			if kind != "auto" && detected != requested {
				return fmt.Errorf("%s looks like %s, not %s", filename, detected, requested)
			}

			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				ctrl, err := app.NewController(opts.userID)
				if err != nil {
					return err
				}

				result, err := ctrl.Upload(cmd.Context(), detected, filename, body)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if result == nil {
					if cancelOnGap {
						snap := ctrl.Snapshot()
						if err := ctrl.CancelGapFill(); err != nil {
							return err
						}
						return fmt.Errorf("report is missing %d values: %s",
							len(snap.Reconciliation.MissingFeatureNames),
							strings.Join(snap.Reconciliation.MissingFeatureNames, ", "))
					}
					result, err = fillGaps(cmd.Context(), ctrl, cmd.InOrStdin(), cmd.ErrOrStderr())
					if err != nil {
						return err
					}
				}
				return printPrediction(out, result, opts.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "auto", "report kind: auto, pdf, image or csv")
	cmd.Flags().BoolVar(&cancelOnGap, "cancel-on-gap", false, "fail instead of prompting for missing values")
	return cmd
}

// fillGaps prompts for every missing value until each one is numeric,
// then completes the gap-fill. An empty line or EOF cancels.
func fillGaps(ctx context.Context, ctrl *intake.Controller, in io.Reader, prompt io.Writer) (*domain.PredictionResult, error) {
	snap := ctrl.Snapshot()
	fmt.Fprintln(prompt, snap.Message)
	fmt.Fprintf(prompt, "%d values could not be read. Enter them below (blank line cancels).\n",
		len(snap.Reconciliation.MissingFeatureNames))

	scanner := bufio.NewScanner(in)
	for _, label := range snap.Reconciliation.MissingFeatureNames {
		for {
			fmt.Fprintf(prompt, "%s: ", label)
			if !scanner.Scan() || strings.TrimSpace(scanner.Text()) == "" {
				if err := ctrl.CancelGapFill(); err != nil {
					return nil, err
				}
				return nil, fmt.Errorf("gap-fill cancelled")
			}
			if err := ctrl.SetMissingField(label, scanner.Text()); err != nil {
				return nil, err
			}
			msg, invalid := ctrl.Snapshot().Reconciliation.Errors[label]
			if !invalid {
				break
			}
			fmt.Fprintf(prompt, "  %s\n", msg)
		}
	}
	return ctrl.CompleteGapFill(ctx)
}
