package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobcost-cli/internal/model"
	"github.com/sells-group/jobcost-cli/internal/monitoring"
	"github.com/sells-group/jobcost-cli/internal/store"
)

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "Inspect labor import history",
	Long:  "Commands for listing, viewing, and summarizing labor import batches.",
}

// -- imports list --

var importsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		projectID, _ := cmd.Flags().GetInt64("project-id")
		limit, _ := cmd.Flags().GetInt("limit")

		batches, err := st.ListBatches(ctx, store.BatchFilter{
			ProjectID: projectID,
			Status:    model.ImportStatus(status),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "imports list")
		}

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "json":
			if batches == nil {
				batches = []model.ImportBatch{}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(batches)
		case "table":
		default:
			return eris.Errorf("unsupported output format: %s (valid: table, json)", format)
		}

		if len(batches) == 0 {
			fmt.Fprintln(os.Stderr, "No imports found.")
			return nil
		}

		formatBatchList(os.Stdout, batches)
		return nil
	},
}

// -- imports show --

var importsShowCmd = &cobra.Command{
	Use:   "show <import-id>",
	Short: "Show full details of an import batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		batch, err := st.GetBatch(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "imports show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(batch)
	},
}

// -- imports stats --

var importsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate import statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.BatchFilter{Limit: 10000}
		if since > 0 {
			filter.CreatedAfter = time.Now().Add(-since)
		}

		batches, err := st.ListBatches(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "imports stats")
		}

		formatImportStats(os.Stdout, computeImportStats(batches))
		return nil
	},
}

// -- imports health --

var importsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Evaluate import health and send alerts",
	Long:  "Collects import metrics for the monitoring lookback window, evaluates alert thresholds, and posts any alerts to the configured webhook.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := newChecker(st)
		snap, alerts, err := checker.Check(ctx)
		if err != nil {
			return eris.Wrap(err, "imports health")
		}

		formatHealth(os.Stdout, snap, alerts)
		return nil
	},
}

func init() {
	importsListCmd.Flags().String("status", "", "filter by status (pending, success, partial, failed)")
	importsListCmd.Flags().Int64("project-id", 0, "filter by project ID")
	importsListCmd.Flags().Int("limit", 50, "max number of imports to display")
	importsListCmd.Flags().String("format", "table", "output format (table, json)")

	importsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	importsCmd.AddCommand(importsListCmd)
	importsCmd.AddCommand(importsShowCmd)
	importsCmd.AddCommand(importsStatsCmd)
	importsCmd.AddCommand(importsHealthCmd)
	rootCmd.AddCommand(importsCmd)
}

// newChecker wires the monitoring collector and alerter from config.
func newChecker(st store.Store) *monitoring.Checker {
	staleAfter := time.Duration(cfg.Monitoring.StalePendingMins) * time.Minute
	return monitoring.NewChecker(
		monitoring.NewCollector(st, staleAfter),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
}

// importStats holds aggregate statistics computed from a set of batches.
type importStats struct {
	Total    int
	Success  int
	Partial  int
	Failed   int
	Pending  int
	Imported int
	Updated  int
	Skipped  int
	Errored  int
	Weeks    int
}

// computeImportStats computes aggregate statistics from a list of batches.
func computeImportStats(batches []model.ImportBatch) importStats {
	var s importStats
	s.Total = len(batches)

	weeks := make(map[string]struct{})
	for _, b := range batches {
		switch b.Status {
		case model.ImportStatusSuccess:
			s.Success++
		case model.ImportStatusPartial:
			s.Partial++
		case model.ImportStatusFailed:
			s.Failed++
		default:
			s.Pending++
			continue
		}
		s.Imported += b.Imported
		s.Updated += b.Updated
		s.Skipped += b.Skipped
		s.Errored += b.Errored
		if b.Status != model.ImportStatusFailed {
			weeks[fmt.Sprintf("%d/%s", b.ProjectID, model.WeekKey(b.WeekEnding))] = struct{}{}
		}
	}
	s.Weeks = len(weeks)
	return s
}

// formatBatchList writes a tabular list of import batches to w.
func formatBatchList(out io.Writer, batches []model.ImportBatch) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tWEEK\tSTATUS\tFILE\tROWS\tERRORS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t------\t----\t----\t------\t-------")

	for _, b := range batches {
		file := b.FileName
		if len(file) > 30 {
			file = file[:27] + "..."
		}
		week := ""
		if !b.WeekEnding.IsZero() {
			week = model.WeekKey(b.WeekEnding)
		}

		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			truncateID(b.ID),
			b.ProjectID,
			week,
			b.Status,
			file,
			b.Imported+b.Updated,
			b.Errored,
			b.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatImportStats writes aggregate stats to w.
func formatImportStats(out io.Writer, s importStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total imports:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Success:\t%d\n", s.Success)
	_, _ = fmt.Fprintf(w, "Partial:\t%d\n", s.Partial)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Rows inserted:\t%d\n", s.Imported)
	_, _ = fmt.Fprintf(w, "Rows updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Rows skipped:\t%d\n", s.Skipped)
	_, _ = fmt.Fprintf(w, "Row errors:\t%d\n", s.Errored)
	_, _ = fmt.Fprintf(w, "Project-weeks:\t%d\n", s.Weeks)
	_ = w.Flush()
}

// formatHealth writes a metrics snapshot and the alerts it triggered to w.
func formatHealth(out io.Writer, snap *monitoring.MetricsSnapshot, alerts []monitoring.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Imports:\t%d\n", snap.ImportTotal)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.ImportFailRate*100)
	_, _ = fmt.Fprintf(w, "Stale pending:\t%d\n", snap.StalePending)
	_ = w.Flush()

	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(out, "No alerts.")
		return
	}
	for _, a := range alerts {
		_, _ = fmt.Fprintf(out, "[%s] %s\n", a.Severity, a.Message)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
