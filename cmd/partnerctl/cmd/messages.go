package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/partnerbatch/pkg/models"
)

var (
	messagesStatus string
	messagesLimit  int
)

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show local queue messages",
	RunE:  runMessages,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check partnerd health",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(messagesCmd, healthCmd)
	messagesCmd.Flags().StringVar(&messagesStatus, "status", "", "queued, delivering, delivered, retrying or failed")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "maximum messages to show")
}

func runMessages(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	msgs, err := c.ListMessages(cmd.Context(), models.MessageStatus(messagesStatus), messagesLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if isJSONOutput() {
		return printJSON(out, msgs)
	}
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}
	table := newTable(out, "ID", "Dedup ID", "Status", "Attempts", "Not Before", "Last Error")
	for _, m := range msgs {
		table.Append(m.ID, m.DeduplicationID, string(m.Status),
			fmt.Sprintf("%d/%d", m.Attempts, m.MaxRetries+1),
			m.NotBefore.Format(time.RFC3339), truncate(m.LastError, 60))
	}
	return table.Render()
}

func runHealth(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	health, err := c.Health(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), health)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
