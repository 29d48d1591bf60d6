package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/models"
)

var (
	runsJob    string
	runsStatus string
	runsLimit  int
	runsFollow bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and cancel job runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE:  runRunsList,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsGet,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run before its next page",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsGetCmd, runsCancelCmd)

	runsListCmd.Flags().StringVar(&runsJob, "job", "", "only runs of this job")
	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "only runs with this status (running, completed, failed, canceled)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to show")

	runsGetCmd.Flags().BoolVar(&runsFollow, "follow", false, "poll every 2 seconds until the run finishes")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	runs, err := c.ListRuns(cmd.Context(), models.RunFilter{
		Job:    runsJob,
		Status: models.RunStatus(runsStatus),
		Limit:  runsLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		return printJSON(out, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	table := newTable(out, "ID", "Job", "Status", "Pages", "Processed", "Failed", "Started")
	for _, r := range runs {
		table.Append(r.ID, r.Job, string(r.Status),
			fmt.Sprintf("%d", r.Pages), fmt.Sprintf("%d", r.Processed), fmt.Sprintf("%d", r.Failed),
			r.StartedAt.Format(time.RFC3339))
	}
	return table.Render()
}

func runRunsGet(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if runsFollow {
		_, err := c.WaitForRun(cmd.Context(), args[0], 2*time.Second, func(r *models.JobRun) {
			fmt.Fprintf(out, "%s  %-9s pages=%d processed=%d failed=%d\n",
				time.Now().Format("15:04:05"), r.Status, r.Pages, r.Processed, r.Failed)
		})
		return err
	}

	run, err := c.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printRun(out, run)
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	run, err := c.CancelRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if isJSONOutput() {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s canceled after %d pages\n", run.ID, run.Pages)
	return nil
}

func printRun(out io.Writer, run *models.JobRun) error {
	if isJSONOutput() {
		return printJSON(out, run)
	}
	table := newTable(out, "Field", "Value")
	table.Append("ID", run.ID)
	table.Append("Job", run.Job)
	table.Append("Status", string(run.Status))
	table.Append("Pages", fmt.Sprintf("%d", run.Pages))
	table.Append("Processed", fmt.Sprintf("%d", run.Processed))
	table.Append("Failed", fmt.Sprintf("%d", run.Failed))
	if run.Cursor != "" {
		table.Append("Cursor", run.Cursor)
	}
	if len(run.Params) > 0 {
		table.Append("Params", string(run.Params))
	}
	table.Append("Started", run.StartedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		table.Append("Finished", run.CompletedAt.Format(time.RFC3339))
	}
	if run.Error != "" {
		table.Append("Error", run.Error)
	}
	return table.Render()
}
