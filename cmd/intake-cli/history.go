package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mediguard-intake/internal/bootstrap"
	"github.com/mediguard-intake/internal/history"
)

func historyCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the prediction history ledger",
	}

	var (
		limit, offset int
		forUser       string
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded predictions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				records, total, err := app.Service.ListHistory(cmd.Context(), forUser, limit, offset)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, map[string]interface{}{"total": total, "records": records})
				}
				for _, rec := range records {
					disease := ""
					if rec.PredictionResult != nil {
						disease = rec.PredictionResult.PredictedDisease
					}
					fmt.Fprintf(out, "%5d  %s  %-12s %-8s %-30s %.12s\n",
						rec.Seq, rec.Timestamp.Format("2006-01-02 15:04:05"), rec.UserID, rec.Source, disease, rec.CurrentHash)
				}
				fmt.Fprintf(out, "%d of %d records\n", len(records), total)
				return nil
			})
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	listCmd.Flags().IntVar(&offset, "offset", 0, "records to skip")
	listCmd.Flags().StringVar(&forUser, "for", "", "only this user's records (default all users)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize predictions by disease, risk level and driving features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				stats, err := app.Service.HistoryStats(cmd.Context(), forUser)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					return writeJSON(out, stats)
				}
				printStats(out, stats)
				return nil
			})
		},
	}
	statsCmd.Flags().StringVar(&forUser, "for", "", "only this user's records (default all users)")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute the hash chain and report tampering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				result, err := app.Service.VerifyHistory(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.jsonOutput {
					if err := writeJSON(out, result); err != nil {
						return err
					}
				} else {
					fmt.Fprintf(out, "%s: %d entries\n", result.Message, result.TotalEntries)
					for _, e := range result.Errors {
						fmt.Fprintf(out, "  %s\n", e)
					}
				}
				if !result.Valid {
					return fmt.Errorf("history chain is broken (%d problems)", len(result.Errors))
				}
				return nil
			})
		},
	}

	var exportPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole ledger as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(app *bootstrap.App) error {
				store := app.Service.History()
				if store == nil {
					return fmt.Errorf("prediction history is disabled")
				}
				if exportPath == "" || exportPath == "-" {
					return store.ExportJSON(cmd.Context(), cmd.OutOrStdout())
				}
				f, err := os.Create(exportPath)
				if err != nil {
					return err
				}
				if err := store.ExportJSON(cmd.Context(), f); err != nil {
					f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	exportCmd.Flags().StringVarP(&exportPath, "out", "o", "-", "output file")

	cmd.AddCommand(listCmd, statsCmd, verifyCmd, exportCmd)
	return cmd
}

func printStats(w io.Writer, stats *history.Stats) {
	fmt.Fprintf(w, "Predictions: %d\n", stats.TotalPredictions)
	fmt.Fprintf(w, "Risk: %d high, %d medium, %d low\n",
		stats.RiskLevels.High, stats.RiskLevels.Medium, stats.RiskLevels.Low)

	printCounts(w, "Diseases", stats.DiseaseDistribution)
	printCounts(w, "Driving features", stats.AbnormalFeaturesSummary)
}

// printCounts lists counts largest first, ties by name
func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	fmt.Fprintf(w, "%s:\n", title)
	for _, name := range names {
		fmt.Fprintf(w, "  %-40s %d\n", name, counts[name])
	}
}
