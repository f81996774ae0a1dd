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

	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/monitoring"
	"github.com/sells-group/dedupe-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status <tenant>",
	Short: "Show a tenant's latest run and run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("history")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := st.ListProcesses(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print a run health snapshot and the alerts it would trigger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st, staleAfter()).Collect(ctx, cfg.Monitoring.LookbackWindowHours)
		if err != nil {
			return eris.Wrap(err, "health")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, monitoring.NewAlerter(cfg.Monitoring).Evaluate(snap)})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", cfg.Store.Driver)
		return nil
	},
}

// openStore opens and migrates the configured store.
func openStore(cmd *cobra.Command) (store.Store, error) {
	ctx := cmd.Context()
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func formatStatus(w io.Writer, p *model.ProcessStatus) {
	if p == nil {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	formatRunsList(w, []model.ProcessStatus{*p})
}

func formatRunsList(w io.Writer, runs []model.ProcessStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tACTIVE\tCOUNT\tSTATUS\tUPDATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%s\t%s\n",
			r.ID,
			r.ProcessName,
			r.Active,
			r.Count,
			truncate(r.Status, 60),
			r.UpdatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush() //nolint:errcheck
}

func formatRetryReport(w io.Writer, r *merge.RetryReport) {
	fmt.Fprintf(w, "attempted=%d succeeded=%d failed=%d remaining=%d\n",
		r.Attempted, r.Succeeded, r.Failed, r.Remaining)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func init() {
	statusCmd.Flags().Int("history", 10, "max number of runs to display")
	statusCmd.Flags().Bool("json", false, "print runs as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(migrateCmd)
}
