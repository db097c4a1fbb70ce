package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/lead-scorer/internal/model"
	"github.com/sells-group/lead-scorer/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel scoring jobs",
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job with its ordered results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate", true, false)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Manager.GetStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), snap)
	},
}

var jobsCancelReason string

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate", true, false)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Manager.Cancel(cmd.Context(), args[0], jobsCancelReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s: %s", snap.Job.ID, snap.Job.Status)
		if snap.Job.Error != "" {
			fmt.Fprintf(cmd.OutOrStdout(), " (%s)", snap.Job.Error)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	},
}

var (
	jobsListStatus string
	jobsListLimit  int
)

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "migrate", true, false)
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Manager.List(cmd.Context(), store.JobFilter{
			Status: model.JobStatus(jobsListStatus),
			Limit:  jobsListLimit,
		})
		if err != nil {
			return err
		}
		writeJobsTable(cmd.OutOrStdout(), list)
		return nil
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJobsTable(w io.Writer, list []model.Job) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tOWNER\tUPDATED\tERROR")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.Processed, j.Total, j.Owner, j.UpdatedAt.Format(time.RFC3339), j.Error)
	}
	_ = tw.Flush()
}

func init() {
	jobsCancelCmd.Flags().StringVar(&jobsCancelReason, "reason", "", "cancellation reason")
	jobsListCmd.Flags().StringVar(&jobsListStatus, "status", "", "filter by status (queued, processing, completed, failed)")
	jobsListCmd.Flags().IntVar(&jobsListLimit, "limit", 20, "maximum jobs to list")

	jobsCmd.AddCommand(jobsStatusCmd, jobsCancelCmd, jobsListCmd)
	rootCmd.AddCommand(jobsCmd)
}
