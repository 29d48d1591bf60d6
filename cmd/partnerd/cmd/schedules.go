package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/jobs"
	"github.com/psantana5/partnerbatch/pkg/scheduler"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules <file>",
	Short: "Validate a schedules file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedules,
}

func init() {
	rootCmd.AddCommand(schedulesCmd)
}

func runSchedules(cmd *cobra.Command, args []string) error {
	schedules, err := scheduler.LoadFile(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range schedules {
		if _, known := jobs.DefaultPageSizes[s.Job]; !known {
			return fmt.Errorf("schedule %q: unknown job %q", s.Name, s.Job)
		}
		state := "enabled"
		if !s.IsEnabled() {
			state = "disabled"
		}
		fmt.Fprintf(out, "%-24s %-22s every %-8s %s\n", s.Name, s.Job, s.Interval(), state)
	}
	fmt.Fprintf(out, "%d schedules OK\n", len(schedules))
	return nil
}
