package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/registry"
	"github.com/mediguard-intake/internal/validation"
)

func validateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <field> <value>",
		Short: "Check one value against a field's accepted range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, ok := registry.Default().Resolve(args[0])
			if !ok {
				return fmt.Errorf("unknown field %q", args[0])
			}
			msg := validation.ValidateField(spec, args[1])
			if strings.TrimSpace(args[1]) == "" {
				msg = validation.MsgRequired
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"key":   spec.Key,
					"label": spec.Label,
					"valid": msg == "",
					"error": msg,
				})
			}
			if msg != "" {
				return fmt.Errorf("%s: %s", spec.Label, msg)
			}
			fmt.Fprintf(out, "%s: %s %s is valid\n", spec.Label, args[1], spec.Unit)
			return nil
		},
	}
}

func predictCmd(opts *globalOptions) *cobra.Command {
	var valuesPath string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict from a complete set of clinical values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(valuesPath)
			if err != nil {
				return err
			}
			defer f.Close()

			reg := registry.Default()
			values, err := parseValues(valuesPath, f, reg)
			if err != nil {
				return err
			}
			if errs := validation.ValidateAll(values, reg.All()); !errs.Empty() {
				return fmt.Errorf("%d fields need attention:\n%s", len(errs), describeErrors(errs, reg))
			}

			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				ctrl, err := app.NewController(opts.userID)
				if err != nil {
					return err
				}
				for key, raw := range values {
					if err := ctrl.SetManualField(key, raw); err != nil {
						return err
					}
				}
				result, err := ctrl.SubmitManual(cmd.Context())
				if err != nil {
					return err
				}
				return printPrediction(cmd.OutOrStdout(), result, opts.jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&valuesPath, "values", "", "JSON or CSV file with all clinical values")
	_ = cmd.MarkFlagRequired("values")
	return cmd
}
